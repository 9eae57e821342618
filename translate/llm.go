package translate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/subtitle"
)

// Sentinel the model must echo at the end of its reply. Its absence means
// the response was truncated and every unseen index is treated as missing.
const sentinel = "<<<END_OF_TRANSLATION>>>"

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMTranslator batches segments into one chat completion per call and
// re-issues missing indices until the retry budget is spent.
type LLMTranslator struct {
	client chatCompleter
	model  string
	gate   *semaphore.Weighted
}

func NewLLMTranslator(apiKey, baseURL, model string, gate *semaphore.Weighted) *LLMTranslator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMTranslator{client: openai.NewClientWithConfig(cfg), model: model, gate: gate}
}

func (t *LLMTranslator) Translate(ctx context.Context, taskID string, batch subtitle.Batch, source, target string) ([]string, int, error) {
	if sameLanguage(source, target) {
		return passthrough(batch), 0, nil
	}

	pending := make(map[int]subtitle.Segment, len(batch.Segments))
	for _, s := range batch.Segments {
		pending[s.Index] = s
	}
	got := make(map[int]string, len(batch.Segments))

	retries := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, retries, errors.AsTaskError(err)
		}
		remaining := sortedPending(pending)
		resp, err := t.call(ctx, taskID, remaining, source, target)
		if err != nil {
			return nil, retries, err
		}
		for idx, text := range resp {
			if _, want := pending[idx]; want {
				got[idx] = text
				delete(pending, idx)
			}
		}
		if len(pending) == 0 {
			break
		}
		if attempt >= config.MaxTranslationRetries {
			missing := make([]int, 0, len(pending))
			for idx := range pending {
				missing = append(missing, idx)
			}
			sort.Ints(missing)
			return nil, retries, errors.New(errors.KindTranslationIncomplete,
				&errors.TranslationIncompleteError{BatchID: batch.ID, Missing: missing})
		}
		retries++
		log.Log(taskID, "re-issuing missing translation indices", "batch_id", batch.ID, "missing", len(pending), "attempt", attempt+1)
	}

	texts := make([]string, len(batch.Segments))
	for i, s := range batch.Segments {
		texts[i] = got[s.Index]
	}
	return texts, retries, nil
}

func sortedPending(pending map[int]subtitle.Segment) []subtitle.Segment {
	out := make([]subtitle.Segment, 0, len(pending))
	for _, s := range pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (t *LLMTranslator) call(ctx context.Context, taskID string, segs []subtitle.Segment, source, target string) (map[int]string, error) {
	if err := t.gate.Acquire(ctx, 1); err != nil {
		return nil, errors.AsTaskError(err)
	}
	defer t.gate.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, config.TranslateBatchTimeout)
	defer cancel()

	resp, err := t.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(source, target)},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(segs)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.KindBackendTimeout, fmt.Errorf("translation batch call timed out"))
		}
		return nil, errors.New(errors.KindBackendUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New(errors.KindBackendUnavailable, fmt.Errorf("empty completion response"))
	}
	parsed, complete := parseNumbered(resp.Choices[0].Message.Content)
	if !complete {
		log.Log(taskID, "translation response missing sentinel, treating as truncated", "parsed", len(parsed))
	}
	return parsed, nil
}

func systemPrompt(source, target string) string {
	src := source
	if src == "" || src == "auto" {
		src = "the source language"
	}
	return fmt.Sprintf(
		"You translate subtitles from %s to %s. Reply with one line per input, formatted as `<number>: <translation>`, keeping the numbers exactly as given. Do not merge, split or reorder lines. After the last line, output %s on its own line.",
		src, target, sentinel)
}

func buildPrompt(segs []subtitle.Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		text := strings.ReplaceAll(s.Text, "\n", " ")
		fmt.Fprintf(&sb, "%d: %s\n", s.Index, text)
	}
	sb.WriteString(sentinel)
	sb.WriteString("\n")
	return sb.String()
}

var numberedLineRE = regexp.MustCompile(`^\s*(\d+)\s*[:.]\s*(.*)$`)

// parseNumbered extracts `idx: text` lines from a model reply. complete is
// true only when the end sentinel was echoed; without it the reply is
// treated as truncated and callers re-issue whatever is missing.
func parseNumbered(content string) (map[int]string, bool) {
	out := map[int]string{}
	complete := false
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, sentinel) {
			complete = true
			break
		}
		m := numberedLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		text := strings.TrimSpace(m[2])
		if text == "" {
			continue
		}
		out[idx] = text
	}
	return out, complete
}
