// Package translate renders subtitle batches into the target language.
// Two backends exist: a batched LLM backend speaking a numbered-line
// protocol with an end sentinel, and a simple per-string HTTP backend.
// The backend is picked once at task creation.
package translate

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/subtitle"
)

// Backend names recognized in task choices.
const (
	BackendSimple = "simple"
	BackendLLM    = "llm"
)

// Translator translates one batch at a time. The returned texts are
// positional: texts[i] corresponds to batch.Segments[i]. retries reports how
// many follow-up provider calls were needed, for the ledger.
type Translator interface {
	Translate(ctx context.Context, taskID string, batch subtitle.Batch, source, target string) (texts []string, retries int, err error)
}

// NewProviderGate builds the process-wide semaphore bounding all outbound
// provider calls, across every task.
func NewProviderGate(permits int) *semaphore.Weighted {
	if permits < 1 {
		permits = 1
	}
	return semaphore.NewWeighted(int64(permits))
}

// Pick dispatches on the backend name once, at task creation.
func Pick(name string, llm *LLMTranslator, simple *SimpleTranslator) (Translator, error) {
	switch name {
	case BackendLLM, "":
		return llm, nil
	case BackendSimple:
		if simple == nil {
			return nil, errors.New(errors.KindBackendUnavailable, fmt.Errorf("no simple translation endpoint is configured"))
		}
		return simple, nil
	default:
		return nil, errors.New(errors.KindInvalidInput, fmt.Errorf("unknown translator backend %q", name))
	}
}

// passthrough returns the input texts unchanged, used when source and target
// languages match.
func passthrough(batch subtitle.Batch) []string {
	out := make([]string, len(batch.Segments))
	for i, s := range batch.Segments {
		out[i] = s.Text
	}
	return out
}

func sameLanguage(source, target string) bool {
	return source != "" && source == target
}
