package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/progress"
	"github.com/sublingo/sublingo-api/subtitle"
	"github.com/sublingo/sublingo-api/translate"
)

type translatedBatch struct {
	id    int
	texts []string
}

// translationWorkers is the batch worker pool size: the configured
// parallelism, never above the global provider permit count.
func translationWorkers() int {
	w := config.TranslationParallelism
	if w > config.MaxConcurrentProviderRequests {
		w = config.MaxConcurrentProviderRequests
	}
	if w < 1 {
		w = 1
	}
	return w
}

// translateStream consumes the transcription stream while it is still
// producing: consecutive segments are grouped into batches and submitted to
// the worker pool as soon as each batch fills. Each batch id is in flight at
// most once; results are collected in batch-id order so the returned texts
// line up positionally with the returned segments.
func (c *Coordinator) translateStream(ctx context.Context, rec *TaskRecord, tr translate.Translator, in <-chan subtitle.Segment, durationMS int64) ([]subtitle.Segment, []string, error) {
	source, target := rec.Choices.SourceLang, rec.Choices.TargetLang

	var all []subtitle.Segment
	var emitted, inflight int64

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan subtitle.Batch)
	outcomes := make(chan translatedBatch, translationWorkers())

	for i := 0; i < translationWorkers(); i++ {
		g.Go(func() error {
			for batch := range jobs {
				if err := gctx.Err(); err != nil {
					return errors.AsTaskError(err)
				}
				n := atomic.AddInt64(&inflight, 1)
				metrics.Metrics.ProviderInflight.Inc()
				start := time.Now()
				texts, retries, err := tr.Translate(gctx, rec.TaskID, batch, source, target)
				duration := time.Since(start)
				atomic.AddInt64(&inflight, -1)
				metrics.Metrics.ProviderInflight.Dec()
				metrics.Metrics.TranslationBatchSec.Observe(duration.Seconds())
				metrics.Metrics.TranslationRetryCount.Add(float64(retries))
				c.Ledger.Log(rec.TaskID, fmt.Sprintf("batch_id=%d inflight=%d duration_ms=%d retry_count=%d",
					batch.ID, n, duration.Milliseconds(), retries))
				if err != nil {
					return err
				}
				select {
				case outcomes <- translatedBatch{id: batch.ID, texts: texts}:
				case <-gctx.Done():
					return errors.AsTaskError(gctx.Err())
				}
			}
			return nil
		})
	}

	// Feeder: groups the stream into batches. The send doubles as the
	// cancellation check before each batch submission.
	g.Go(func() error {
		defer close(jobs)
		buf := make([]subtitle.Segment, 0, config.BatchSize)
		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			batch := subtitle.Batch{
				ID:       buf[0].Index / config.BatchSize,
				Segments: append([]subtitle.Segment(nil), buf...),
			}
			buf = buf[:0]
			select {
			case jobs <- batch:
				return nil
			case <-gctx.Done():
				return errors.AsTaskError(gctx.Err())
			}
		}
		for {
			select {
			case seg, ok := <-in:
				if !ok {
					return flush()
				}
				all = append(all, seg)
				atomic.AddInt64(&emitted, 1)
				if durationMS > 0 {
					c.Ledger.Update(rec.TaskID, progress.StepTranscribe,
						progress.Patch{Progress: progress.Float(float64(seg.EndMS) / float64(durationMS))})
				}
				buf = append(buf, seg)
				if len(buf) == config.BatchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			case <-gctx.Done():
				return errors.AsTaskError(gctx.Err())
			}
		}
	})

	// Indexed sink: consumes outcomes in batch-id order, blocking on gaps.
	ordered := make(chan []string)
	go func() {
		defer close(ordered)
		pending := map[int][]string{}
		next := 0
		for o := range outcomes {
			pending[o.id] = o.texts
			for {
				texts, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				ordered <- texts
			}
		}
	}()

	var texts []string
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for batchTexts := range ordered {
			texts = append(texts, batchTexts...)
			if n := atomic.LoadInt64(&emitted); n > 0 {
				c.Ledger.Update(rec.TaskID, progress.StepTranslate,
					progress.Patch{Progress: progress.Float(float64(len(texts)) / float64(n))})
			}
		}
	}()

	err, abandoned := c.waitWithGrace(ctx, g, outcomes)
	if abandoned {
		return nil, nil, err
	}
	<-collected
	if err != nil {
		return nil, nil, err
	}
	return all, texts, nil
}

// waitWithGrace waits for the worker group. After a cancellation the workers
// get a short drain window; past it the wait is abandoned and the stragglers
// clean up on their own.
func (c *Coordinator) waitWithGrace(ctx context.Context, g *errgroup.Group, outcomes chan translatedBatch) (error, bool) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	closeOutcomes := func(err error) (error, bool) {
		close(outcomes)
		return err, false
	}

	select {
	case err := <-waitErr:
		return closeOutcomes(err)
	case <-ctx.Done():
	}
	select {
	case err := <-waitErr:
		return closeOutcomes(err)
	case <-time.After(config.CancelDrainGracePeriod):
		// outcomes must not close while workers may still send.
		go func() {
			<-waitErr
			close(outcomes)
		}()
		return errors.New(errors.KindCancelled, context.Canceled), true
	}
}

// drainSegments consumes the transcription stream without translating,
// used by transcription-only tasks.
func (c *Coordinator) drainSegments(ctx context.Context, taskID string, in <-chan subtitle.Segment, durationMS int64) ([]subtitle.Segment, error) {
	var all []subtitle.Segment
	for {
		select {
		case seg, ok := <-in:
			if !ok {
				return all, nil
			}
			all = append(all, seg)
			if durationMS > 0 {
				c.Ledger.Update(taskID, progress.StepTranscribe,
					progress.Patch{Progress: progress.Float(float64(seg.EndMS) / float64(durationMS))})
			}
		case <-ctx.Done():
			return all, errors.AsTaskError(ctx.Err())
		}
	}
}
