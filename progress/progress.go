// Package progress is the per-task ledger of step states, numeric progress
// and a bounded log tail, observable through consistent snapshots. Writes
// are serialized per task; observers only ever see the overall percentage
// move forward.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sublingo/sublingo-api/config"
)

var Clock = clock.New()

type StepLabel string

const (
	StepFetch        StepLabel = "fetch"
	StepExtractAudio StepLabel = "extract_audio"
	StepTranscribe   StepLabel = "transcribe"
	StepTranslate    StepLabel = "translate"
	StepAssemble     StepLabel = "assemble"
	StepBurn         StepLabel = "burn"
	StepWatermark    StepLabel = "watermark"
	StepCut          StepLabel = "cut"
	StepMerge        StepLabel = "merge"
	StepSummarize    StepLabel = "summarize"
)

type StepStatus string

const (
	StatusWaiting    StepStatus = "waiting"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusError      StepStatus = "error"
)

// DefaultWeights is the relative weight of each step before normalization
// over the steps a task actually enables.
var DefaultWeights = map[StepLabel]float64{
	StepFetch:        0.15,
	StepExtractAudio: 0.10,
	StepTranscribe:   0.40,
	StepTranslate:    0.15,
	StepAssemble:     0.10,
	StepBurn:         0.05,
	StepWatermark:    0.05,
	StepCut:          1,
	StepMerge:        1,
}

// StepDef declares a step when a task begins.
type StepDef struct {
	Label         StepLabel
	Weight        float64
	Indeterminate bool
}

// Steps builds defs with default weights for the given labels.
func Steps(labels ...StepLabel) []StepDef {
	defs := make([]StepDef, len(labels))
	for i, l := range labels {
		w := DefaultWeights[l]
		if w == 0 {
			w = 0.05
		}
		defs[i] = StepDef{Label: l, Weight: w}
	}
	return defs
}

type step struct {
	StepDef
	status    StepStatus
	progress  float64
	subtitle  string
	startedAt time.Time
}

// StepView is the observer-facing copy of a step.
type StepView struct {
	Label         StepLabel  `json:"label"`
	Weight        float64    `json:"weight"`
	Status        StepStatus `json:"status"`
	Progress      float64    `json:"progress"`
	Subtitle      string     `json:"subtitle,omitempty"`
	Indeterminate bool       `json:"indeterminate,omitempty"`
}

// Snapshot is a consistent copy of a task's ledger.
type Snapshot struct {
	Steps          []StepView `json:"steps"`
	OverallPercent float64    `json:"overall_percent"`
	LogsTail       []string   `json:"logs_tail"`
}

type taskProgress struct {
	mu    sync.Mutex
	steps []*step
	logs  *ring
}

// Ledger tracks every live task.
type Ledger struct {
	mu    sync.RWMutex
	tasks map[string]*taskProgress
}

func NewLedger() *Ledger {
	return &Ledger{tasks: map[string]*taskProgress{}}
}

// Begin registers the task's steps. Weights are normalized so they sum to 1
// over the enabled steps.
func (l *Ledger) Begin(taskID string, defs []StepDef) {
	var total float64
	for _, d := range defs {
		total += d.Weight
	}
	tp := &taskProgress{logs: newRing(config.LogRingSize)}
	for _, d := range defs {
		if total > 0 {
			d.Weight /= total
		}
		tp.steps = append(tp.steps, &step{StepDef: d, status: StatusWaiting})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[taskID] = tp
}

// Patch is a partial step update; nil fields are left untouched.
type Patch struct {
	Progress *float64
	Status   *StepStatus
	Subtitle *string
}

func Float(v float64) *float64       { return &v }
func Status(s StepStatus) *StepStatus { return &s }
func Subtitle(s string) *string      { return &s }

// Update applies a patch. Progress never moves backwards and statuses only
// move forward through waiting, in_progress, completed/error.
func (l *Ledger) Update(taskID string, label StepLabel, patch Patch) {
	tp := l.task(taskID)
	if tp == nil {
		return
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, s := range tp.steps {
		if s.Label != label {
			continue
		}
		if patch.Status != nil && statusRank(*patch.Status) > statusRank(s.status) {
			s.status = *patch.Status
			if s.status == StatusInProgress && s.startedAt.IsZero() {
				s.startedAt = Clock.Now()
			}
			if s.status == StatusCompleted {
				s.progress = 1
			}
		}
		if patch.Progress != nil && *patch.Progress > s.progress && s.status != StatusCompleted {
			s.progress = math.Min(*patch.Progress, 1)
		}
		if patch.Subtitle != nil {
			s.subtitle = *patch.Subtitle
		}
		return
	}
}

func statusRank(s StepStatus) int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusError:
		return 2
	}
	return -1
}

// Log appends one line to the task's bounded log ring.
func (l *Ledger) Log(taskID, line string) {
	tp := l.task(taskID)
	if tp == nil {
		return
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.logs.push(line)
}

// Snapshot returns a consistent copy of the task's ledger, or ok=false for
// an unknown task.
func (l *Ledger) Snapshot(taskID string) (Snapshot, bool) {
	tp := l.task(taskID)
	if tp == nil {
		return Snapshot{}, false
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()

	snap := Snapshot{LogsTail: tp.logs.tail()}
	var overall float64
	for _, s := range tp.steps {
		p := s.progress
		if s.Indeterminate && s.status == StatusInProgress {
			p = math.Max(p, pseudoProgress(Clock.Since(s.startedAt)))
		}
		snap.Steps = append(snap.Steps, StepView{
			Label:         s.Label,
			Weight:        s.Weight,
			Status:        s.status,
			Progress:      p,
			Subtitle:      s.subtitle,
			Indeterminate: s.Indeterminate,
		})
		overall += s.Weight * p
	}
	snap.OverallPercent = math.Round(overall*1000) / 10
	return snap, true
}

// Remove drops the task from the ledger.
func (l *Ledger) Remove(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, taskID)
}

func (l *Ledger) task(taskID string) *taskProgress {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tasks[taskID]
}

// pseudoProgress is the monotone elapsed-time curve used for indeterminate
// steps, asymptotic to 1 and capped at 0.95 until the step completes.
func pseudoProgress(elapsed time.Duration) float64 {
	p := 1 - math.Exp(-elapsed.Seconds()/30)
	return math.Min(p, 0.95)
}

type ring struct {
	buf  []string
	next int
	full bool
}

func newRing(n int) *ring {
	if n < 1 {
		n = 1
	}
	return &ring{buf: make([]string, n)}
}

func (r *ring) push(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) tail() []string {
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
