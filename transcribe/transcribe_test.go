package transcribe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/subtitle"
)

const verboseResponse = `{
	"task": "transcribe",
	"language": "en",
	"duration": 10.5,
	"segments": [
		{"id": 0, "start": 0.0, "end": 2.5, "text": " Hello world"},
		{"id": 1, "start": 2.4, "end": 5.0, "text": " second segment"},
		{"id": 2, "start": 5.0, "end": 5.0, "text": " zero width"},
		{"id": 3, "start": 6.0, "end": 8.0, "text": "   "}
	],
	"text": "Hello world second segment zero width"
}`

type mockTranscriber struct {
	resp openai.AudioResponse
	err  error
	got  openai.AudioRequest
}

func (m *mockTranscriber) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	m.got = req
	return m.resp, m.err
}

func decodeResponse(t *testing.T) openai.AudioResponse {
	var resp openai.AudioResponse
	require.NoError(t, json.Unmarshal([]byte(verboseResponse), &resp))
	return resp
}

func TestNormalize(t *testing.T) {
	segs := normalize(decodeResponse(t))
	require.Len(t, segs, 3)
	require.Equal(t, subtitle.Segment{Index: 0, StartMS: 0, EndMS: 2500, Text: "Hello world"}, segs[0])
	// overlap clamped to previous end
	require.Equal(t, int64(2500), segs[1].StartMS)
	// zero-width segment extended to 1ms
	require.Equal(t, segs[2].StartMS+1, segs[2].EndMS)
	require.NoError(t, subtitle.Validate(segs))
}

func TestTranscribeStreamsSegments(t *testing.T) {
	mock := &mockTranscriber{resp: decodeResponse(t)}
	e := &OpenAIEngine{client: mock, gate: NewGate(1)}

	tr, err := e.Transcribe(context.Background(), "task-1", Request{
		AudioPath:  "/tmp/audio.wav",
		Model:      ModelBase,
		SourceLang: LangAuto,
	})
	require.NoError(t, err)
	require.Equal(t, "en", tr.Language)
	require.Equal(t, openai.Whisper1, mock.got.Model)
	require.Empty(t, mock.got.Language) // auto mode sends no language hint

	var got []subtitle.Segment
	for s := range tr.Segments {
		got = append(got, s)
	}
	require.Len(t, got, 3)
	require.NoError(t, tr.Err())
}

func TestTranscribeLanguageHint(t *testing.T) {
	mock := &mockTranscriber{resp: decodeResponse(t)}
	e := &OpenAIEngine{client: mock, gate: NewGate(1), passModelThrough: true}

	_, err := e.Transcribe(context.Background(), "task-1", Request{
		AudioPath:  "/tmp/audio.wav",
		Model:      ModelSmall,
		SourceLang: "fr",
	})
	require.NoError(t, err)
	require.Equal(t, "small", mock.got.Model)
	require.Equal(t, "fr", mock.got.Language)
}

func TestTranscribeRejectsUnknownModel(t *testing.T) {
	e := &OpenAIEngine{client: &mockTranscriber{}, gate: NewGate(1)}
	_, err := e.Transcribe(context.Background(), "task-1", Request{Model: "enormous"})
	require.Error(t, err)
	require.Equal(t, errors.KindModelLoadFailed, errors.KindOf(err))
}

type inflightSamplingTranscriber struct {
	mockTranscriber
	during float64
}

func (m *inflightSamplingTranscriber) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	m.during = testutil.ToFloat64(metrics.Metrics.TranscriptionInflight)
	return m.mockTranscriber.CreateTranscription(ctx, req)
}

func TestTranscribeTracksInflightGauge(t *testing.T) {
	mock := &inflightSamplingTranscriber{mockTranscriber: mockTranscriber{resp: decodeResponse(t)}}
	e := &OpenAIEngine{client: mock, gate: NewGate(1)}

	_, err := e.Transcribe(context.Background(), "task-1", Request{
		AudioPath: "/tmp/audio.wav",
		Model:     ModelBase,
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, mock.during)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.Metrics.TranscriptionInflight))
}

func TestClassifyAPIError(t *testing.T) {
	require.Equal(t, errors.KindAudioDecodeFailed,
		errors.KindOf(classifyAPIError(&openai.APIError{HTTPStatusCode: 400})))
	require.Equal(t, errors.KindModelLoadFailed,
		errors.KindOf(classifyAPIError(&openai.APIError{HTTPStatusCode: 404})))
	require.Equal(t, errors.KindBackendUnavailable,
		errors.KindOf(classifyAPIError(&openai.APIError{HTTPStatusCode: 429})))
	require.Equal(t, errors.KindBackendTimeout,
		errors.KindOf(classifyAPIError(context.DeadlineExceeded)))
	require.Equal(t, errors.KindCancelled,
		errors.KindOf(classifyAPIError(context.Canceled)))
}

func TestStreamRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	segs := make([]subtitle.Segment, 50)
	for i := range segs {
		segs[i] = subtitle.Segment{Index: i, StartMS: int64(i), EndMS: int64(i + 1), Text: "x"}
	}
	tr := stream(ctx, segs, 1)
	<-tr.Segments // consume one, then abandon
	cancel()

	select {
	case <-tr.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
	require.Error(t, tr.Err())
}
