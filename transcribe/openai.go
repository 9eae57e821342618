package transcribe

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/subtitle"
)

// audioTranscriber is the slice of *openai.Client we use, split out so tests
// can inject a mock.
type audioTranscriber interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAIEngine talks to an OpenAI-compatible transcription endpoint.
type OpenAIEngine struct {
	client audioTranscriber
	gate   *semaphore.Weighted
	// passModelThrough keeps the tiny..large selector as the provider model
	// name, which self-hosted whisper servers expect. The hosted API only
	// serves whisper-1.
	passModelThrough bool
}

func NewOpenAIEngine(apiKey, baseURL string, gate *semaphore.Weighted) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	custom := baseURL != ""
	if custom {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEngine{
		client:           openai.NewClientWithConfig(cfg),
		gate:             gate,
		passModelThrough: custom,
	}
}

func (e *OpenAIEngine) providerModel(m Model) string {
	if e.passModelThrough {
		return string(m)
	}
	return openai.Whisper1
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, taskID string, req Request) (*Transcription, error) {
	if !req.Model.IsValid() {
		return nil, errors.New(errors.KindModelLoadFailed, fmt.Errorf("unknown transcription model %q", req.Model))
	}
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, errors.AsTaskError(err)
	}
	defer e.gate.Release(1)
	metrics.Metrics.TranscriptionInflight.Inc()
	defer metrics.Metrics.TranscriptionInflight.Dec()

	areq := openai.AudioRequest{
		Model:    e.providerModel(req.Model),
		FilePath: req.AudioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if req.SourceLang != "" && req.SourceLang != LangAuto {
		areq.Language = req.SourceLang
	}

	resp, err := e.client.CreateTranscription(ctx, areq)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	segs := normalize(resp)
	log.Log(taskID, "transcription complete", "language", resp.Language, "segments", len(segs))
	return NewStream(ctx, resp.Language, segs, config.BatchSize), nil
}

// normalize converts provider segments into dense, monotonic, non-empty
// cues. Whisper occasionally emits overlapping or empty segments; overlaps
// are clamped to the previous end and empties dropped.
func normalize(resp openai.AudioResponse) []subtitle.Segment {
	out := make([]subtitle.Segment, 0, len(resp.Segments))
	var prevEnd int64
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		start := int64(s.Start * 1000)
		end := int64(s.End * 1000)
		if start < prevEnd {
			start = prevEnd
		}
		if end <= start {
			end = start + 1
		}
		out = append(out, subtitle.Segment{
			Index:   len(out),
			StartMS: start,
			EndMS:   end,
			Text:    text,
		})
		prevEnd = end
	}
	return out
}

func classifyAPIError(err error) error {
	if err == context.Canceled {
		return errors.New(errors.KindCancelled, err)
	}
	if err == context.DeadlineExceeded {
		return errors.New(errors.KindBackendTimeout, err)
	}
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 400:
			return errors.New(errors.KindAudioDecodeFailed, err)
		case apiErr.HTTPStatusCode == 404:
			return errors.New(errors.KindModelLoadFailed, err)
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return errors.New(errors.KindBackendUnavailable, err)
		}
	}
	return errors.New(errors.KindBackendUnavailable, err)
}
