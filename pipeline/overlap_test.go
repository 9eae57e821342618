package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/subtitle"
)

type fakeTranslator struct {
	delay      time.Duration
	retries    int
	dropIndex  int // -1 disables
	concurrent int64
	peak       int64
	calls      int64
}

func newFakeTranslator(delay time.Duration) *fakeTranslator {
	return &fakeTranslator{delay: delay, dropIndex: -1}
}

func (f *fakeTranslator) Translate(ctx context.Context, taskID string, batch subtitle.Batch, source, target string) ([]string, int, error) {
	cur := atomic.AddInt64(&f.concurrent, 1)
	defer atomic.AddInt64(&f.concurrent, -1)
	for {
		peak := atomic.LoadInt64(&f.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&f.peak, peak, cur) {
			break
		}
	}
	atomic.AddInt64(&f.calls, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, errors.AsTaskError(ctx.Err())
		}
	}
	if f.dropIndex >= 0 {
		for _, idx := range batch.Indices() {
			if idx == f.dropIndex {
				return nil, config.MaxTranslationRetries, errors.New(errors.KindTranslationIncomplete,
					&errors.TranslationIncompleteError{BatchID: batch.ID, Missing: []int{f.dropIndex}})
			}
		}
	}
	texts := make([]string, len(batch.Segments))
	for i, s := range batch.Segments {
		texts[i] = fmt.Sprintf("übersetzt %d", s.Index)
	}
	return texts, f.retries, nil
}

func newTestCoordinator(t *testing.T) *Coordinator {
	c := NewCoordinator(CoordinatorOptions{WorkDir: t.TempDir()})
	t.Cleanup(c.Close)
	return c
}

func newProcessingRecord(t *testing.T, c *Coordinator) *TaskRecord {
	rec, err := c.Create(CreateParams{
		Kind:    KindUpload,
		Choices: Choices{SourceLang: "en", TargetLang: "de"},
	})
	require.NoError(t, err)
	return rec
}

// feed emits n segments at the given cadence and reports when the stream
// closed.
func feed(n int, cadence time.Duration) (<-chan subtitle.Segment, <-chan time.Time) {
	ch := make(chan subtitle.Segment, config.BatchSize)
	closedAt := make(chan time.Time, 1)
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			if cadence > 0 {
				time.Sleep(cadence)
			}
			ch <- subtitle.Segment{
				Index:   i,
				StartMS: int64(i * 1000),
				EndMS:   int64(i*1000 + 900),
				Text:    fmt.Sprintf("line %d", i),
			}
		}
		closedAt <- time.Now()
	}()
	return ch, closedAt
}

func TestTranslateStreamOverlapsTranscription(t *testing.T) {
	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	const n = 100
	const cadence = 2 * time.Millisecond
	const batchDelay = 100 * time.Millisecond
	tr := newFakeTranslator(batchDelay)

	in, closedAt := feed(n, cadence)
	start := time.Now()
	segs, texts, err := c.translateStream(context.Background(), rec, tr, in, int64(n*1000))
	elapsed := time.Since(start)
	streamClosed := <-closedAt

	require.NoError(t, err)
	require.Len(t, segs, n)
	require.Len(t, texts, n)
	for i, text := range texts {
		require.Equal(t, fmt.Sprintf("übersetzt %d", i), text)
	}
	require.EqualValues(t, 5, tr.calls)

	// Translation ran while the stream was still producing: without overlap
	// the run would take the full production time plus all five batch delays.
	production := streamClosed.Sub(start)
	require.Less(t, elapsed, production+3*batchDelay)
}

func TestTranslateStreamLogsRetries(t *testing.T) {
	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	tr := newFakeTranslator(0)
	tr.retries = 1
	in, _ := feed(20, 0)

	_, _, err := c.translateStream(context.Background(), rec, tr, in, 20_000)
	require.NoError(t, err)

	snap, ok := c.Ledger.Snapshot(rec.TaskID)
	require.True(t, ok)
	require.True(t, containsLine(snap.LogsTail, "retry_count=1"), "ledger should log the retry count")
	require.True(t, containsLine(snap.LogsTail, "batch_id=0"))
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestTranslateStreamUnrecoverableMissingIndex(t *testing.T) {
	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	tr := newFakeTranslator(0)
	tr.dropIndex = 7
	in, _ := feed(40, 0)

	_, _, err := c.translateStream(context.Background(), rec, tr, in, 40_000)
	require.Error(t, err)
	require.Equal(t, errors.KindTranslationIncomplete, errors.KindOf(err))

	var inc *errors.TranslationIncompleteError
	require.ErrorAs(t, err, &inc)
	require.Equal(t, []int{7}, inc.Missing)
}

func TestTranslateStreamBoundedByProviderPermits(t *testing.T) {
	oldParallelism := config.TranslationParallelism
	oldPermits := config.MaxConcurrentProviderRequests
	config.TranslationParallelism = 8
	config.MaxConcurrentProviderRequests = 2
	defer func() {
		config.TranslationParallelism = oldParallelism
		config.MaxConcurrentProviderRequests = oldPermits
	}()

	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	tr := newFakeTranslator(20 * time.Millisecond)
	in, _ := feed(200, 0)

	_, texts, err := c.translateStream(context.Background(), rec, tr, in, 200_000)
	require.NoError(t, err)
	require.Len(t, texts, 200)
	require.LessOrEqual(t, tr.peak, int64(2))
}

func TestTranslateStreamCancellation(t *testing.T) {
	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	tr := newFakeTranslator(50 * time.Millisecond)

	in := make(chan subtitle.Segment)
	go func() {
		for i := 0; ; i++ {
			select {
			case in <- subtitle.Segment{Index: i, StartMS: int64(i * 1000), EndMS: int64(i*1000 + 900), Text: "x"}:
			case <-ctx.Done():
				close(in)
				return
			}
		}
	}()

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := c.translateStream(ctx, rec, tr, in, 0)
	require.Error(t, err)
	require.Equal(t, errors.KindCancelled, errors.KindOf(err))
	require.Less(t, time.Since(start), config.CancelDrainGracePeriod+time.Second)
}

func TestTranslateStreamEmptyInput(t *testing.T) {
	c := newTestCoordinator(t)
	rec := newProcessingRecord(t, c)

	in, _ := feed(0, 0)
	segs, texts, err := c.translateStream(context.Background(), rec, newFakeTranslator(0), in, 0)
	require.NoError(t, err)
	require.Empty(t, segs)
	require.Empty(t, texts)
}
