package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sublingo/sublingo-api/clients"
	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/fetch"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/progress"
	"github.com/sublingo/sublingo-api/registry"
	"github.com/sublingo/sublingo-api/subprocess"
	"github.com/sublingo/sublingo-api/subtitle"
	"github.com/sublingo/sublingo-api/summary"
	"github.com/sublingo/sublingo-api/transcribe"
	"github.com/sublingo/sublingo-api/translate"
)

// Coordinator owns the task registry and drives every task to exactly one
// terminal state.
type Coordinator struct {
	Tasks  *registry.Store[*TaskRecord]
	Ledger *progress.Ledger

	workDir    string
	pool       *registry.Pool
	engine     transcribe.Engine
	fetcher    fetch.Fetcher
	prober     media.Prober
	llm        *translate.LLMTranslator
	simple     *translate.SimpleTranslator
	summarizer *summary.Summarizer

	callback    clients.CallbackClient
	callbackURL string
}

type CoordinatorOptions struct {
	WorkDir     string
	Engine      transcribe.Engine
	Fetcher     fetch.Fetcher
	Prober      media.Prober
	LLM         *translate.LLMTranslator
	Simple      *translate.SimpleTranslator
	Summarizer  *summary.Summarizer
	CallbackURL string
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		Tasks:       registry.NewStore[*TaskRecord](),
		Ledger:      progress.NewLedger(),
		workDir:     opts.WorkDir,
		pool:        registry.NewPool(config.TaskWorkers),
		engine:      opts.Engine,
		fetcher:     opts.Fetcher,
		prober:      opts.Prober,
		llm:         opts.LLM,
		simple:      opts.Simple,
		summarizer:  opts.Summarizer,
		callback:    clients.NewCallbackClient(),
		callbackURL: opts.CallbackURL,
	}
}

// CreateParams describes a new task. SourceURL is required for the fetch
// kinds, MediaOp for cut / merge / embed.
type CreateParams struct {
	Kind      Kind
	Choices   Choices
	SourceURL string
	Quality   string
	MediaOp   *MediaOpParams
}

// Create registers a pending task and its artifact directory. The caller
// places any uploaded inputs into the directory before Submit.
func (c *Coordinator) Create(p CreateParams) (*TaskRecord, error) {
	if err := c.validate(p); err != nil {
		return nil, err
	}
	rec := &TaskRecord{
		TaskID:    config.NewTaskID(),
		Kind:      p.Kind,
		State:     StatePending,
		Choices:   p.Choices,
		MediaOp:   p.MediaOp,
		SourceURL: p.SourceURL,
		Quality:   p.Quality,
		CreatedAt: config.Clock.GetTimestampUTC(),
	}
	rec.dir = filepath.Join(c.workDir, rec.TaskID)
	if err := os.MkdirAll(rec.dir, 0755); err != nil {
		return nil, errors.New(errors.KindInternal, err)
	}

	c.Ledger.Begin(rec.TaskID, stepsFor(p.Kind, p.Choices))
	c.Tasks.Store(rec.TaskID, rec)
	c.writeMeta(rec)
	metrics.Metrics.TaskRequestCount.WithLabelValues(string(p.Kind)).Inc()
	log.AddContext(rec.TaskID, "kind", string(p.Kind))
	log.Log(rec.TaskID, "task created", "source_url", p.SourceURL)
	return rec, nil
}

func (c *Coordinator) validate(p CreateParams) error {
	switch p.Kind {
	case KindUpload, KindFetchAndProcess, KindFetchOnly, KindCut, KindMerge, KindEmbed:
	default:
		return errors.New(errors.KindInvalidInput, fmt.Errorf("unknown task kind %q", p.Kind))
	}
	if (p.Kind == KindFetchAndProcess || p.Kind == KindFetchOnly) && p.SourceURL == "" {
		return errors.New(errors.KindInvalidInput, fmt.Errorf("a source URL is required for %s tasks", p.Kind))
	}
	if p.Kind == KindUpload || p.Kind == KindFetchAndProcess {
		if p.Choices.TranscriptionModel != "" && !p.Choices.TranscriptionModel.IsValid() {
			return errors.New(errors.KindInvalidInput, fmt.Errorf("unknown transcription model %q", p.Choices.TranscriptionModel))
		}
		if _, err := translate.Pick(p.Choices.TranslatorBackend, c.llm, c.simple); err != nil {
			return err
		}
		if !p.Choices.TranscriptionOnly && p.Choices.TargetLang == "" {
			return errors.New(errors.KindInvalidInput, fmt.Errorf("a target language is required"))
		}
	}
	switch p.Kind {
	case KindCut:
		if p.MediaOp == nil || p.MediaOp.Start == "" || p.MediaOp.End == "" {
			return errors.New(errors.KindInvalidInput, fmt.Errorf("cut requires start and end times"))
		}
	case KindMerge:
		if p.MediaOp == nil || len(p.MediaOp.Sources) < 2 {
			return errors.New(errors.KindInvalidInput, fmt.Errorf("merge requires at least two sources"))
		}
	case KindEmbed:
		if p.MediaOp == nil || p.MediaOp.SubtitlePath == "" {
			return errors.New(errors.KindInvalidInput, fmt.Errorf("embed requires a subtitle file"))
		}
	}
	return nil
}

// stepsFor declares the enabled steps for a task; the ledger renormalizes
// their weights. Steps without meaningful numeric progress report
// elapsed-time pseudo-progress.
func stepsFor(kind Kind, choices Choices) []progress.StepDef {
	switch kind {
	case KindFetchOnly:
		return []progress.StepDef{{Label: progress.StepFetch, Weight: 1, Indeterminate: true}}
	case KindCut:
		return []progress.StepDef{{Label: progress.StepCut, Weight: 1, Indeterminate: true}}
	case KindMerge:
		return []progress.StepDef{{Label: progress.StepMerge, Weight: 1, Indeterminate: true}}
	case KindEmbed:
		defs := []progress.StepDef{{Label: progress.StepBurn, Weight: 1, Indeterminate: true}}
		if choices.Watermark != nil {
			defs = append(defs, progress.StepDef{Label: progress.StepWatermark, Weight: 1, Indeterminate: true})
		}
		return defs
	}

	var defs []progress.StepDef
	add := func(label progress.StepLabel, indeterminate bool) {
		defs = append(defs, progress.StepDef{Label: label, Weight: progress.DefaultWeights[label], Indeterminate: indeterminate})
	}
	if kind == KindFetchAndProcess {
		add(progress.StepFetch, true)
	}
	add(progress.StepExtractAudio, true)
	add(progress.StepTranscribe, true)
	if !choices.TranscriptionOnly {
		add(progress.StepTranslate, false)
	}
	add(progress.StepAssemble, false)
	if choices.CreateBurnedVideo {
		add(progress.StepBurn, true)
	}
	if choices.Watermark != nil {
		add(progress.StepWatermark, true)
	}
	return defs
}

// Submit hands the task to the worker pool.
func (c *Coordinator) Submit(taskID string) error {
	rec := c.Tasks.Get(taskID)
	if rec == nil {
		return errors.New(errors.KindNotFound, fmt.Errorf("unknown task %s", taskID))
	}
	switch rec.Kind {
	case KindUpload, KindFetchAndProcess:
		c.run(rec, func(ctx context.Context) (*TaskResult, error) { return c.runProcess(ctx, rec) })
	case KindFetchOnly:
		c.run(rec, func(ctx context.Context) (*TaskResult, error) { return c.runFetchOnly(ctx, rec) })
	case KindCut, KindMerge, KindEmbed:
		c.run(rec, func(ctx context.Context) (*TaskResult, error) { return c.runMediaOp(ctx, rec) })
	}
	return nil
}

// run executes the driver on the pool, bracketing it with the pending →
// running transition and the terminal transition. Panics become INTERNAL
// failures rather than crashing the worker.
func (c *Coordinator) run(rec *TaskRecord, driver func(ctx context.Context) (*TaskResult, error)) {
	c.pool.Submit(func() {
		if rec.wasCancelled() {
			c.finish(rec, nil, errors.New(errors.KindCancelled, context.Canceled))
			return
		}
		if !rec.transition(StatePending, StateRunning) {
			return
		}
		rec.mu.Lock()
		rec.StartedAt = config.Clock.GetTimestampUTC()
		rec.mu.Unlock()
		metrics.Metrics.RunningTasks.Inc()
		c.writeMeta(rec)
		c.notify(rec)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rec.setCancel(cancel)

		out, err := registry.Recovered(func() (*TaskResult, error) {
			return driver(ctx)
		})
		metrics.Metrics.RunningTasks.Dec()
		c.finish(rec, out, err)
	})
}

// finish applies the single terminal transition. Later calls are no-ops.
func (c *Coordinator) finish(rec *TaskRecord, result *TaskResult, err error) {
	state := StateSucceeded
	var taskErr *errors.TaskError
	if err != nil {
		taskErr = errors.AsTaskError(err)
		if taskErr.Kind == errors.KindCancelled {
			state = StateCancelled
		} else {
			state = StateFailed
		}
	}

	rec.mu.Lock()
	if rec.State.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.State = state
	rec.FinishedAt = config.Clock.GetTimestampUTC()
	if state == StateSucceeded {
		rec.Result = result
	} else {
		rec.Error = taskErr
	}
	startedAt, finishedAt := rec.StartedAt, rec.FinishedAt
	rec.mu.Unlock()

	if state == StateCancelled {
		c.removeArtifacts(rec)
	}
	c.writeMeta(rec)
	c.notify(rec)

	outcome := string(state)
	metrics.Metrics.TaskResults.WithLabelValues(string(rec.Kind), outcome).Inc()
	if startedAt > 0 {
		metrics.Metrics.TaskDurationSec.WithLabelValues(string(rec.Kind), outcome).
			Observe(float64(finishedAt - startedAt))
	}
	if err != nil {
		log.LogError(rec.TaskID, "task finished", err, "state", state, "error_kind", string(taskErr.Kind))
	} else {
		log.Log(rec.TaskID, "task finished", "state", state)
	}
}

// notify fires the status callback webhook when one is configured.
func (c *Coordinator) notify(rec *TaskRecord) {
	if c.callbackURL == "" {
		return
	}
	snap := rec.Snapshot()
	var ratio float32
	if ls, ok := c.Ledger.Snapshot(rec.TaskID); ok {
		ratio = float32(ls.OverallPercent)
	}
	switch snap.State {
	case StateFailed:
		// nolint:errcheck
		c.callback.SendTaskError(c.callbackURL, rec.TaskID, snap.Error.UserMessage, string(snap.Error.Kind), snap.Error.Recoverable)
	default:
		// nolint:errcheck
		c.callback.SendTaskStatus(c.callbackURL, rec.TaskID, callbackStatus(snap.State), ratio)
	}
}

func callbackStatus(s State) clients.TaskStatus {
	switch s {
	case StateRunning:
		return clients.TaskStatusRunning
	case StateSucceeded:
		return clients.TaskStatusSucceeded
	case StateFailed:
		return clients.TaskStatusFailed
	case StateCancelled:
		return clients.TaskStatusCancelled
	}
	return clients.TaskStatusPending
}

// Cancel requests cooperative cancellation. Safe in any state; terminal
// tasks are no-ops. Pending tasks that never started finish immediately.
func (c *Coordinator) Cancel(taskID string) bool {
	rec := c.Tasks.Get(taskID)
	if rec == nil {
		return false
	}
	pending := rec.CurrentState() == StatePending
	rec.markCancelled()
	log.Log(taskID, "cancellation requested")
	if pending {
		c.finish(rec, nil, errors.New(errors.KindCancelled, context.Canceled))
	}
	return true
}

func (c *Coordinator) Get(taskID string) *TaskRecord {
	return c.Tasks.Get(taskID)
}

// Status is the observer view of a task: record snapshot plus ledger.
type Status struct {
	TaskRecord
	Steps          []progress.StepView `json:"steps,omitempty"`
	OverallPercent float64             `json:"overall_percent"`
	LogsTail       []string            `json:"logs_tail,omitempty"`
}

func (c *Coordinator) Status(taskID string) (Status, bool) {
	rec := c.Tasks.Get(taskID)
	if rec == nil {
		return Status{}, false
	}
	st := Status{TaskRecord: rec.Snapshot()}
	if snap, ok := c.Ledger.Snapshot(taskID); ok {
		st.Steps = snap.Steps
		st.OverallPercent = snap.OverallPercent
		st.LogsTail = snap.LogsTail
	}
	return st, true
}

// Summarize runs the post-success summary hook over the task's translated
// subtitles (the original ones for transcription-only tasks).
func (c *Coordinator) Summarize(ctx context.Context, taskID, language, customPrompt string) (string, error) {
	rec := c.Tasks.Get(taskID)
	if rec == nil {
		return "", errors.New(errors.KindNotFound, fmt.Errorf("unknown task %s", taskID))
	}
	snap := rec.Snapshot()
	if snap.State != StateSucceeded {
		return "", errors.New(errors.KindInvalidInput, fmt.Errorf("task %s is %s, summaries require a succeeded task", taskID, snap.State))
	}
	srtPath, ok := snap.Result.Artifacts[ArtifactTranslatedSRT]
	if !ok {
		srtPath, ok = snap.Result.Artifacts[ArtifactOriginalSRT]
	}
	if !ok {
		return "", errors.New(errors.KindInvalidInput, fmt.Errorf("task %s produced no subtitles", taskID))
	}
	data, err := os.ReadFile(srtPath)
	if err != nil {
		return "", errors.New(errors.KindNotFound, err)
	}
	segments, err := subtitle.Parse(string(data))
	if err != nil {
		return "", err
	}
	if language == "" {
		language = snap.Choices.TargetLang
	}
	return c.summarizer.Summarize(ctx, segments, language, customPrompt)
}

// removeArtifacts deletes everything in the task dir except the meta.json
// snapshot.
func (c *Coordinator) removeArtifacts(rec *TaskRecord) {
	entries, err := os.ReadDir(rec.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == "meta.json" {
			continue
		}
		os.RemoveAll(filepath.Join(rec.dir, e.Name()))
	}
}

func (c *Coordinator) writeMeta(rec *TaskRecord) {
	snap := rec.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.LogError(rec.TaskID, "failed to serialize task snapshot", err)
		return
	}
	if err := os.WriteFile(filepath.Join(rec.dir, "meta.json"), data, 0644); err != nil {
		log.LogError(rec.TaskID, "failed to write meta.json", err)
	}
}

// Sweep garbage-collects terminal tasks older than the TTL, removing record,
// ledger entry and artifact directory together.
func (c *Coordinator) Sweep() int {
	now := config.Clock.GetTimestampUTC()
	ttl := int64(config.TaskTTL / time.Second)
	swept := 0
	for _, id := range c.Tasks.GetKeys() {
		rec := c.Tasks.Get(id)
		if rec == nil {
			continue
		}
		snap := rec.Snapshot()
		if !snap.State.Terminal() || snap.FinishedAt == 0 || now < snap.FinishedAt+ttl {
			continue
		}
		if err := os.RemoveAll(rec.dir); err != nil {
			log.LogError(id, "failed to remove task directory", err)
			continue
		}
		c.Tasks.Remove(id)
		c.Ledger.Remove(id)
		log.Log(id, "swept expired task")
		swept++
	}
	return swept
}

// RunSweeper loops Sweep until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// toolkit builds a transcoder handle whose output lines land in the task's
// log ring.
func (c *Coordinator) toolkit(taskID string) media.Toolkit {
	return media.Toolkit{
		Prober:  c.prober,
		LogSink: c.logSink(taskID),
	}
}

func (c *Coordinator) logSink(taskID string) subprocess.LineSink {
	return func(line string) {
		c.Ledger.Log(taskID, line)
	}
}

// Close drains the worker pool.
func (c *Coordinator) Close() {
	c.pool.Close()
}
