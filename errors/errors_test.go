package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestUnretriable(t *testing.T) {
	err := Unretriable(fmt.Errorf("bar"))
	require.True(t, IsUnretriable(err))
	var permErr *backoff.PermanentError
	require.True(t, errors.As(err, &permErr))
}

func TestKindClassification(t *testing.T) {
	err := New(KindBotChallenge, fmt.Errorf("403 from remote"))
	require.Equal(t, KindBotChallenge, KindOf(err))
	require.True(t, IsUnretriable(err))
	require.False(t, err.Recoverable)
	require.Contains(t, err.UserMessage, "upload")

	wrapped := fmt.Errorf("stage fetch: %w", err)
	require.Equal(t, KindBotChallenge, KindOf(wrapped))
}

func TestAsTaskError(t *testing.T) {
	te := AsTaskError(context.Canceled)
	require.Equal(t, KindCancelled, te.Kind)

	te = AsTaskError(context.DeadlineExceeded)
	require.Equal(t, KindStageTimeout, te.Kind)

	te = AsTaskError(fmt.Errorf("boom"))
	require.Equal(t, KindInternal, te.Kind)

	orig := New(KindGeoBlock, nil)
	require.Same(t, orig, AsTaskError(fmt.Errorf("x: %w", orig)))
}

func TestTranslationIncomplete(t *testing.T) {
	err := &TranslationIncompleteError{BatchID: 3, Missing: []int{67}}
	require.Contains(t, err.Error(), "[67]")
	require.Contains(t, err.Error(), "batch 3")
}
