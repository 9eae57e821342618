// Package pipeline drives submitted tasks through their stage graph: media
// acquisition, transcription, translation and re-encoding, with transcription
// and translation overlapped. The Coordinator owns the task registry, the
// progress ledger and the terminal state machine.
package pipeline

import (
	"context"
	"sync"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/transcribe"
)

type Kind string

const (
	KindUpload          Kind = "upload"
	KindFetchAndProcess Kind = "fetch_and_process"
	KindFetchOnly       Kind = "fetch_only"
	KindCut             Kind = "cut"
	KindMerge           Kind = "merge"
	KindEmbed           Kind = "embed"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Artifact keys in a task result, doubling as file names in the task dir.
const (
	ArtifactSource        = "source.mp4"
	ArtifactAudio         = "audio.wav"
	ArtifactOriginalSRT   = "original.srt"
	ArtifactTranslatedSRT = "translated.srt"
	ArtifactFinalVideo    = "final.mp4"
)

// Choices is the closed set of per-task options recognized by the runtime.
type Choices struct {
	SourceLang         string               `json:"source_lang,omitempty"`
	TargetLang         string               `json:"target_lang,omitempty"`
	CreateBurnedVideo  bool                 `json:"create_burned_video,omitempty"`
	TranscriptionModel transcribe.Model     `json:"transcription_model,omitempty"`
	TranslatorBackend  string               `json:"translator_backend,omitempty"`
	Watermark          *media.WatermarkSpec `json:"watermark,omitempty"`
	TranscriptionOnly  bool                 `json:"transcription_only,omitempty"`
}

// MediaOpParams parameterizes the cut / merge / embed kinds. Paths point at
// files the API adapter already placed in the task directory.
type MediaOpParams struct {
	Start        string   `json:"start,omitempty"` // HH:MM:SS | MM:SS | SS
	End          string   `json:"end,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	SubtitlePath string   `json:"subtitle_path,omitempty"`
}

type TaskResult struct {
	Artifacts        map[string]string  `json:"artifacts"`
	DetectedLanguage string             `json:"detected_language,omitempty"`
	TimingSec        map[string]float64 `json:"timing,omitempty"`
	MediaMetadata    *media.Metadata    `json:"media_metadata,omitempty"`
}

// TaskRecord is the registry entry for one task. All mutation goes through
// the record's own mutex; no cross-task locking exists.
type TaskRecord struct {
	TaskID         string            `json:"task_id"`
	Kind           Kind              `json:"kind"`
	State          State             `json:"state"`
	Choices        Choices           `json:"choices"`
	MediaOp        *MediaOpParams    `json:"media_op,omitempty"`
	SourceURL      string            `json:"source_url,omitempty"`
	Quality        string            `json:"quality,omitempty"`
	SourceMetadata *media.Metadata   `json:"source_metadata,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	StartedAt      int64             `json:"started_at,omitempty"`
	FinishedAt     int64             `json:"finished_at,omitempty"`
	Result         *TaskResult       `json:"result,omitempty"`
	Error          *errors.TaskError `json:"error,omitempty"`

	dir       string
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// Dir is the task's private artifact directory.
func (r *TaskRecord) Dir() string { return r.dir }

func (r *TaskRecord) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// transition moves the record from one state to the next, refusing
// re-transitions out of a terminal state.
func (r *TaskRecord) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State != from || r.State.Terminal() {
		return false
	}
	r.State = to
	return true
}

func (r *TaskRecord) setMetadata(md *media.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SourceMetadata = md
}

func (r *TaskRecord) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
}

// markCancelled flags the record and fires the context cancel if the driver
// is already running. Safe to call repeatedly and in any state.
func (r *TaskRecord) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State.Terminal() {
		return
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *TaskRecord) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// snapshotLocked copies the serializable fields for meta.json and status
// responses. Callers hold r.mu.
func (r *TaskRecord) snapshotLocked() TaskRecord {
	return TaskRecord{
		TaskID:         r.TaskID,
		Kind:           r.Kind,
		State:          r.State,
		Choices:        r.Choices,
		MediaOp:        r.MediaOp,
		SourceURL:      r.SourceURL,
		Quality:        r.Quality,
		SourceMetadata: r.SourceMetadata,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Result:         r.Result,
		Error:          r.Error,
	}
}

func (r *TaskRecord) Snapshot() TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}
