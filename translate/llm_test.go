package translate

import (
	"context"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/subtitle"
)

type scriptedChat struct {
	replies []string
	calls   int
	prompts []string
}

func (s *scriptedChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.prompts = append(s.prompts, req.Messages[len(req.Messages)-1].Content)
	if s.calls >= len(s.replies) {
		return openai.ChatCompletionResponse{}, fmt.Errorf("no scripted reply for call %d", s.calls)
	}
	reply := s.replies[s.calls]
	s.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: reply}},
		},
	}, nil
}

func batchOf(n int) subtitle.Batch {
	segs := make([]subtitle.Segment, n)
	for i := range segs {
		segs[i] = subtitle.Segment{Index: i, StartMS: int64(i * 1000), EndMS: int64(i*1000 + 900), Text: fmt.Sprintf("line %d", i)}
	}
	return subtitle.Batch{ID: 0, Segments: segs}
}

func reply(indices []int, withSentinel bool) string {
	var sb strings.Builder
	for _, i := range indices {
		fmt.Fprintf(&sb, "%d: übersetzt %d\n", i, i)
	}
	if withSentinel {
		sb.WriteString(sentinel + "\n")
	}
	return sb.String()
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestParseNumbered(t *testing.T) {
	parsed, complete := parseNumbered("0: hallo\n1. welt\njunk line\n2:   \n" + sentinel)
	require.True(t, complete)
	require.Equal(t, map[int]string{0: "hallo", 1: "welt"}, parsed)

	_, complete = parseNumbered("0: hallo")
	require.False(t, complete)
}

func TestTranslateFullBatchFirstTry(t *testing.T) {
	chat := &scriptedChat{replies: []string{reply(seq(0, 20), true)}}
	tr := &LLMTranslator{client: chat, model: "test", gate: NewProviderGate(2)}

	texts, retries, err := tr.Translate(context.Background(), "task-1", batchOf(20), "en", "de")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	require.Len(t, texts, 20)
	require.Equal(t, "übersetzt 0", texts[0])
	require.Equal(t, "übersetzt 19", texts[19])
	require.Equal(t, 1, chat.calls)
	require.Contains(t, chat.prompts[0], sentinel)
}

func TestTranslateRecoversMissingIndices(t *testing.T) {
	// first call returns only 0..9, retry returns the rest
	chat := &scriptedChat{replies: []string{
		reply(seq(0, 10), true),
		reply(seq(10, 20), true),
	}}
	tr := &LLMTranslator{client: chat, model: "test", gate: NewProviderGate(2)}

	texts, retries, err := tr.Translate(context.Background(), "task-1", batchOf(20), "en", "de")
	require.NoError(t, err)
	require.Equal(t, 1, retries)
	require.Len(t, texts, 20)
	require.Equal(t, 2, chat.calls)
	// the retry prompt only carries the missing indices
	require.NotContains(t, chat.prompts[1], "0: line 0")
	require.Contains(t, chat.prompts[1], "10: line 10")
}

func TestTranslateTruncationWithoutSentinel(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		reply(seq(0, 20), false), // all lines but truncated: no sentinel
		reply(seq(0, 20), true),
	}}
	tr := &LLMTranslator{client: chat, model: "test", gate: NewProviderGate(2)}

	// lines before a missing sentinel still count; nothing is missing here
	texts, retries, err := tr.Translate(context.Background(), "task-1", batchOf(20), "en", "de")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	require.Len(t, texts, 20)
}

func TestTranslateIncompleteAfterRetryBudget(t *testing.T) {
	// index 7 is never returned
	withoutSeven := append(seq(0, 7), seq(8, 20)...)
	chat := &scriptedChat{replies: []string{
		reply(withoutSeven, true),
		reply(nil, true),
		reply(nil, true),
	}}
	tr := &LLMTranslator{client: chat, model: "test", gate: NewProviderGate(2)}

	_, retries, err := tr.Translate(context.Background(), "task-1", batchOf(20), "en", "de")
	require.Error(t, err)
	require.Equal(t, errors.KindTranslationIncomplete, errors.KindOf(err))
	require.Equal(t, 2, retries) // MaxTranslationRetries default

	var inc *errors.TranslationIncompleteError
	require.ErrorAs(t, err, &inc)
	require.Equal(t, []int{7}, inc.Missing)
	require.Equal(t, 0, inc.BatchID)
	require.Equal(t, 3, chat.calls) // initial + 2 retries
}

func TestTranslateSameLanguagePassthrough(t *testing.T) {
	chat := &scriptedChat{}
	tr := &LLMTranslator{client: chat, model: "test", gate: NewProviderGate(2)}

	texts, retries, err := tr.Translate(context.Background(), "task-1", batchOf(3), "en", "en")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	require.Equal(t, []string{"line 0", "line 1", "line 2"}, texts)
	require.Equal(t, 0, chat.calls)
}

func TestPick(t *testing.T) {
	llm := &LLMTranslator{}
	simple := &SimpleTranslator{}

	got, err := Pick(BackendLLM, llm, simple)
	require.NoError(t, err)
	require.Same(t, Translator(llm), got)

	got, err = Pick(BackendSimple, llm, simple)
	require.NoError(t, err)
	require.Same(t, Translator(simple), got)

	_, err = Pick(BackendSimple, llm, nil)
	require.Error(t, err)
	require.Equal(t, errors.KindBackendUnavailable, errors.KindOf(err))

	_, err = Pick("babelfish", llm, simple)
	require.Error(t, err)
	require.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}
