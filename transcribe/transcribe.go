// Package transcribe turns audio files into timestamped subtitle segments.
// Backends are polymorphic behind the Engine interface; the default backend
// speaks the OpenAI transcription API, which also covers self-hosted
// whisper.cpp servers via a custom base URL.
package transcribe

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/sublingo/sublingo-api/subtitle"
)

// Model selects the speech model size.
type Model string

const (
	ModelTiny   Model = "tiny"
	ModelBase   Model = "base"
	ModelSmall  Model = "small"
	ModelMedium Model = "medium"
	ModelLarge  Model = "large"
)

func (m Model) IsValid() bool {
	switch m {
	case ModelTiny, ModelBase, ModelSmall, ModelMedium, ModelLarge:
		return true
	}
	return false
}

// LangAuto asks the backend to detect the source language.
const LangAuto = "auto"

// Request describes one transcription run.
type Request struct {
	AudioPath  string
	Model      Model
	SourceLang string // BCP47 or LangAuto
}

// Transcription is the result of a transcription run. Segments is consumed
// lazily so downstream translation can start while segments are still being
// delivered; it is closed once the backend is done. Err reports a failure
// that occurred after streaming began.
type Transcription struct {
	Language string
	Segments <-chan subtitle.Segment
	err      error
	done     chan struct{}
}

// Err blocks until streaming has finished and returns any streaming error.
func (t *Transcription) Err() error {
	<-t.done
	return t.err
}

// Engine is implemented by speech backends. Transcribe returns once the
// detected language is known; segments stream through the returned
// Transcription. Transcribing with SourceLang=auto is idempotent.
type Engine interface {
	Transcribe(ctx context.Context, taskID string, req Request) (*Transcription, error)
}

// NewGate returns the semaphore bounding concurrent transcriptions, kept at
// 1 by default to avoid model/GPU contention.
func NewGate(parallelism int) *semaphore.Weighted {
	if parallelism < 1 {
		parallelism = 1
	}
	return semaphore.NewWeighted(int64(parallelism))
}

// NewStream builds a Transcription fed from already-known segments. Engines
// that receive the full result in a single response use it to present the
// lazy stream contract.
func NewStream(ctx context.Context, language string, segs []subtitle.Segment, capacity int) *Transcription {
	t := stream(ctx, segs, capacity)
	t.Language = language
	return t
}

// stream feeds segments to a bounded channel, honouring cancellation.
func stream(ctx context.Context, segs []subtitle.Segment, capacity int) *Transcription {
	ch := make(chan subtitle.Segment, capacity)
	t := &Transcription{Segments: ch, done: make(chan struct{})}
	go func() {
		defer close(ch)
		defer close(t.done)
		for _, s := range segs {
			select {
			case ch <- s:
			case <-ctx.Done():
				t.err = ctx.Err()
				return
			}
		}
	}()
	return t
}
