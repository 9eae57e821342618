package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestWeightsNormalized(t *testing.T) {
	l := NewLedger()
	l.Begin("task-1", Steps(StepFetch, StepExtractAudio, StepTranscribe, StepTranslate, StepAssemble))

	snap, ok := l.Snapshot("task-1")
	require.True(t, ok)
	var total float64
	for _, s := range snap.Steps {
		total += s.Weight
	}
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestOverallPercentMonotone(t *testing.T) {
	l := NewLedger()
	l.Begin("task-1", Steps(StepTranscribe, StepTranslate))

	var last float64
	advance := func(label StepLabel, p float64) {
		l.Update("task-1", label, Patch{Progress: Float(p), Status: Status(StatusInProgress)})
		snap, _ := l.Snapshot("task-1")
		require.GreaterOrEqual(t, snap.OverallPercent, last)
		last = snap.OverallPercent
	}

	advance(StepTranscribe, 0.2)
	advance(StepTranscribe, 0.8)
	advance(StepTranscribe, 0.5) // regression is ignored
	l.Update("task-1", StepTranscribe, Patch{Status: Status(StatusCompleted)})
	advance(StepTranslate, 0.3)
	advance(StepTranslate, 1)

	snap, _ := l.Snapshot("task-1")
	require.Equal(t, 100.0, snap.OverallPercent)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	l := NewLedger()
	l.Begin("task-1", Steps(StepFetch))

	l.Update("task-1", StepFetch, Patch{Status: Status(StatusCompleted)})
	l.Update("task-1", StepFetch, Patch{Status: Status(StatusInProgress)})

	snap, _ := l.Snapshot("task-1")
	require.Equal(t, StatusCompleted, snap.Steps[0].Status)
	require.Equal(t, 1.0, snap.Steps[0].Progress)
}

func TestIndeterminatePseudoProgress(t *testing.T) {
	mock := clock.NewMock()
	prev := Clock
	Clock = mock
	defer func() { Clock = prev }()

	l := NewLedger()
	l.Begin("task-1", []StepDef{{Label: StepFetch, Weight: 1, Indeterminate: true}})
	l.Update("task-1", StepFetch, Patch{Status: Status(StatusInProgress)})

	snap, _ := l.Snapshot("task-1")
	first := snap.Steps[0].Progress

	mock.Add(20 * time.Second)
	snap, _ = l.Snapshot("task-1")
	require.Greater(t, snap.Steps[0].Progress, first)

	mock.Add(30 * time.Minute)
	snap, _ = l.Snapshot("task-1")
	require.Equal(t, 0.95, snap.Steps[0].Progress)

	l.Update("task-1", StepFetch, Patch{Status: Status(StatusCompleted)})
	snap, _ = l.Snapshot("task-1")
	require.Equal(t, 1.0, snap.Steps[0].Progress)
}

func TestLogRingBounded(t *testing.T) {
	l := NewLedger()
	l.Begin("task-1", Steps(StepFetch))

	for i := 0; i < 700; i++ {
		l.Log("task-1", fmt.Sprintf("line %d", i))
	}
	snap, _ := l.Snapshot("task-1")
	require.Len(t, snap.LogsTail, 500)
	require.Equal(t, "line 200", snap.LogsTail[0])
	require.Equal(t, "line 699", snap.LogsTail[len(snap.LogsTail)-1])
}

func TestUnknownTask(t *testing.T) {
	l := NewLedger()
	_, ok := l.Snapshot("nope")
	require.False(t, ok)
	// updates against unknown tasks are a no-op
	l.Update("nope", StepFetch, Patch{Progress: Float(0.5)})
	l.Log("nope", "lost line")
}

func TestRemove(t *testing.T) {
	l := NewLedger()
	l.Begin("task-1", Steps(StepFetch))
	l.Remove("task-1")
	_, ok := l.Snapshot("task-1")
	require.False(t, ok)
}
