package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/progress"
	"github.com/sublingo/sublingo-api/subtitle"
	"github.com/sublingo/sublingo-api/transcribe"
	"github.com/sublingo/sublingo-api/translate"
)

// stage marks a step in_progress and returns the closer that records timing,
// final status and metrics.
func (c *Coordinator) stage(rec *TaskRecord, result *TaskResult, label progress.StepLabel) func(error) {
	start := time.Now()
	c.Ledger.Update(rec.TaskID, label, progress.Patch{Status: progress.Status(progress.StatusInProgress)})
	log.Log(rec.TaskID, "stage started", "stage", string(label))
	return func(err error) {
		elapsed := time.Since(start)
		result.TimingSec[string(label)] = elapsed.Seconds()
		status := progress.StatusCompleted
		if err != nil {
			status = progress.StatusError
		}
		c.Ledger.Update(rec.TaskID, label, progress.Patch{Status: progress.Status(status)})
		metrics.Metrics.StageDurationSec.
			WithLabelValues(string(label), strconv.FormatBool(err == nil)).
			Observe(elapsed.Seconds())
		if err != nil {
			log.LogError(rec.TaskID, "stage failed", err, "stage", string(label), "duration", elapsed.String())
		} else {
			log.Log(rec.TaskID, "stage finished", "stage", string(label), "duration", elapsed.String())
		}
	}
}

// runProcess drives the upload and fetch_and_process kinds through the full
// stage graph.
func (c *Coordinator) runProcess(ctx context.Context, rec *TaskRecord) (*TaskResult, error) {
	result := &TaskResult{Artifacts: map[string]string{}, TimingSec: map[string]float64{}}
	tk := c.toolkit(rec.TaskID)
	choices := rec.Choices

	sourcePath := filepath.Join(rec.dir, ArtifactSource)
	var md media.Metadata
	if rec.Kind == KindFetchAndProcess {
		end := c.stage(rec, result, progress.StepFetch)
		path, fetched, err := c.fetchWithRetry(ctx, rec)
		end(err)
		if err != nil {
			return nil, err
		}
		sourcePath = path
		md = fetched
		metrics.Metrics.BytesFetched.Add(float64(md.FileSizeBytes))
	} else {
		probed, err := c.prober.ProbeFile(rec.TaskID, sourcePath)
		if err != nil {
			return nil, err
		}
		md = probed
	}
	mdCopy := md
	rec.setMetadata(&mdCopy)
	result.MediaMetadata = &mdCopy
	c.writeMeta(rec)

	if err := ctx.Err(); err != nil {
		return nil, errors.AsTaskError(err)
	}

	audioPath := filepath.Join(rec.dir, ArtifactAudio)
	endExtract := c.stage(rec, result, progress.StepExtractAudio)
	err := tk.ExtractAudio(ctx, rec.TaskID, sourcePath, audioPath)
	endExtract(err)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.AsTaskError(err)
	}

	model := choices.TranscriptionModel
	if model == "" {
		model = transcribe.ModelBase
	}
	sourceLang := choices.SourceLang
	if sourceLang == "" {
		sourceLang = transcribe.LangAuto
	}
	req := transcribe.Request{AudioPath: audioPath, Model: model, SourceLang: sourceLang}

	endTranscribe := c.stage(rec, result, progress.StepTranscribe)
	trans, streamCancel, err := c.transcribeWithCeiling(ctx, rec.TaskID, req, transcribeCeiling(md.DurationMS))
	if err != nil {
		endTranscribe(err)
		return nil, err
	}
	defer streamCancel()

	var segments []subtitle.Segment
	var texts []string
	var endTranslate func(error)
	if choices.TranscriptionOnly {
		segments, err = c.drainSegments(ctx, rec.TaskID, trans.Segments, md.DurationMS)
	} else {
		var translator translate.Translator
		translator, err = translate.Pick(choices.TranslatorBackend, c.llm, c.simple)
		if err != nil {
			endTranscribe(err)
			return nil, err
		}
		endTranslate = c.stage(rec, result, progress.StepTranslate)
		segments, texts, err = c.translateStream(ctx, rec, translator, trans.Segments, md.DurationMS)
	}
	if err != nil {
		endTranscribe(err)
		if endTranslate != nil {
			endTranslate(err)
		}
		return nil, err
	}
	// The stream was fully consumed, so a late engine failure is available
	// without blocking.
	if streamErr := trans.Err(); streamErr != nil {
		streamErr = errors.AsTaskError(streamErr)
		endTranscribe(streamErr)
		if endTranslate != nil {
			endTranslate(streamErr)
		}
		return nil, streamErr
	}
	endTranscribe(nil)
	if endTranslate != nil {
		endTranslate(nil)
	}
	if len(segments) == 0 {
		return nil, errors.New(errors.KindAudioDecodeFailed, fmt.Errorf("no speech found in audio"))
	}
	result.DetectedLanguage = trans.Language

	if err := ctx.Err(); err != nil {
		return nil, errors.AsTaskError(err)
	}

	endAssemble := c.stage(rec, result, progress.StepAssemble)
	originalPath := filepath.Join(rec.dir, ArtifactOriginalSRT)
	err = os.WriteFile(originalPath, []byte(subtitle.Emit(segments)), 0644)
	subtitleForBurn := originalPath
	if err == nil {
		result.Artifacts[ArtifactOriginalSRT] = originalPath
	}
	if err == nil && !choices.TranscriptionOnly {
		var translated []subtitle.Segment
		translated, err = subtitle.WithTexts(segments, texts)
		if err == nil {
			translatedPath := filepath.Join(rec.dir, ArtifactTranslatedSRT)
			err = os.WriteFile(translatedPath, []byte(subtitle.Emit(translated)), 0644)
			if err == nil {
				result.Artifacts[ArtifactTranslatedSRT] = translatedPath
				subtitleForBurn = translatedPath
			}
		}
	}
	endAssemble(err)
	if err != nil {
		return nil, errors.AsTaskError(err)
	}

	finalPath := sourcePath
	if choices.CreateBurnedVideo {
		if err := ctx.Err(); err != nil {
			return nil, errors.AsTaskError(err)
		}
		endBurn := c.stage(rec, result, progress.StepBurn)
		outPath := filepath.Join(rec.dir, ArtifactFinalVideo)
		err = tk.BurnSubtitles(ctx, rec.TaskID, sourcePath, subtitleForBurn, outPath)
		endBurn(err)
		if err != nil {
			return nil, err
		}
		finalPath = outPath
		result.Artifacts[ArtifactFinalVideo] = outPath
	}
	if choices.Watermark != nil {
		if err := ctx.Err(); err != nil {
			return nil, errors.AsTaskError(err)
		}
		endWatermark := c.stage(rec, result, progress.StepWatermark)
		outPath := filepath.Join(rec.dir, "watermarked.mp4")
		err = tk.OverlayWatermark(ctx, rec.TaskID, finalPath, *choices.Watermark, outPath)
		if err == nil {
			dest := filepath.Join(rec.dir, ArtifactFinalVideo)
			err = os.Rename(outPath, dest)
			if err == nil {
				result.Artifacts[ArtifactFinalVideo] = dest
			}
		}
		endWatermark(err)
		if err != nil {
			return nil, errors.AsTaskError(err)
		}
	}

	return result, nil
}

// transcribeCeiling is twice the audio duration with a floor, the stage
// timeout for transcription.
func transcribeCeiling(durationMS int64) time.Duration {
	ceiling := 2 * time.Duration(durationMS) * time.Millisecond
	if ceiling < config.TranscribeTimeoutFloor {
		ceiling = config.TranscribeTimeoutFloor
	}
	return ceiling
}

// transcribeWithCeiling starts a transcription under its stage ceiling,
// retrying once on a timeout when the run is idempotent (auto language
// detection). The returned cancel guards the segment stream and must be
// called once streaming is over.
func (c *Coordinator) transcribeWithCeiling(ctx context.Context, taskID string, req transcribe.Request, ceiling time.Duration) (*transcribe.Transcription, context.CancelFunc, error) {
	for attempt := 0; ; attempt++ {
		tctx, tcancel := context.WithTimeout(ctx, ceiling)
		trans, err := c.engine.Transcribe(tctx, taskID, req)
		if err == nil {
			return trans, tcancel, nil
		}
		tcancel()
		kind := errors.KindOf(err)
		timedOut := kind == errors.KindBackendTimeout || kind == errors.KindStageTimeout
		if timedOut && attempt == 0 && ctx.Err() == nil && req.SourceLang == transcribe.LangAuto {
			log.Log(taskID, "transcription hit its ceiling, retrying once", "ceiling", ceiling.String())
			continue
		}
		if timedOut {
			err = errors.New(errors.KindStageTimeout, err)
		}
		return nil, nil, err
	}
}

// fetchWithRetry downloads the source, retrying once when the fetch ceiling
// was hit.
func (c *Coordinator) fetchWithRetry(ctx context.Context, rec *TaskRecord) (string, media.Metadata, error) {
	path, md, err := c.fetcher.Fetch(ctx, rec.TaskID, rec.SourceURL, rec.Quality, rec.dir)
	if err != nil && errors.KindOf(err) == errors.KindStageTimeout && ctx.Err() == nil {
		log.Log(rec.TaskID, "fetch hit its ceiling, retrying once", "url", rec.SourceURL)
		path, md, err = c.fetcher.Fetch(ctx, rec.TaskID, rec.SourceURL, rec.Quality, rec.dir)
	}
	return path, md, err
}

// runFetchOnly downloads the source and stops. Metadata is always probed
// before the download and stored on the record.
func (c *Coordinator) runFetchOnly(ctx context.Context, rec *TaskRecord) (*TaskResult, error) {
	result := &TaskResult{Artifacts: map[string]string{}, TimingSec: map[string]float64{}}

	end := c.stage(rec, result, progress.StepFetch)
	path, md, err := c.fetchWithRetry(ctx, rec)
	end(err)
	if err != nil {
		return nil, err
	}
	metrics.Metrics.BytesFetched.Add(float64(md.FileSizeBytes))
	mdCopy := md
	rec.setMetadata(&mdCopy)
	result.MediaMetadata = &mdCopy
	result.Artifacts[ArtifactSource] = path
	return result, nil
}

// runMediaOp drives the cut, merge and embed kinds, which only exercise the
// transcoder.
func (c *Coordinator) runMediaOp(ctx context.Context, rec *TaskRecord) (*TaskResult, error) {
	result := &TaskResult{Artifacts: map[string]string{}, TimingSec: map[string]float64{}}
	tk := c.toolkit(rec.TaskID)
	op := rec.MediaOp
	outPath := filepath.Join(rec.dir, ArtifactFinalVideo)

	switch rec.Kind {
	case KindCut:
		startMS, err := media.ParseTimeString(op.Start)
		if err != nil {
			return nil, err
		}
		endMS, err := media.ParseTimeString(op.End)
		if err != nil {
			return nil, err
		}
		end := c.stage(rec, result, progress.StepCut)
		err = tk.Cut(ctx, rec.TaskID, c.opSource(rec), outPath, startMS, endMS)
		end(err)
		if err != nil {
			return nil, err
		}

	case KindMerge:
		end := c.stage(rec, result, progress.StepMerge)
		err := tk.Merge(ctx, rec.TaskID, op.Sources, outPath)
		end(err)
		if err != nil {
			return nil, err
		}

	case KindEmbed:
		end := c.stage(rec, result, progress.StepBurn)
		err := tk.BurnSubtitles(ctx, rec.TaskID, c.opSource(rec), op.SubtitlePath, outPath)
		end(err)
		if err != nil {
			return nil, err
		}
		if rec.Choices.Watermark != nil {
			if err := ctx.Err(); err != nil {
				return nil, errors.AsTaskError(err)
			}
			endWatermark := c.stage(rec, result, progress.StepWatermark)
			stamped := filepath.Join(rec.dir, "watermarked.mp4")
			err = tk.OverlayWatermark(ctx, rec.TaskID, outPath, *rec.Choices.Watermark, stamped)
			if err == nil {
				err = os.Rename(stamped, outPath)
			}
			endWatermark(err)
			if err != nil {
				return nil, errors.AsTaskError(err)
			}
		}
	}

	result.Artifacts[ArtifactFinalVideo] = outPath
	return result, nil
}

// opSource is the primary input of a media op: an explicit source path if
// the request named one, the uploaded file otherwise.
func (c *Coordinator) opSource(rec *TaskRecord) string {
	if rec.MediaOp != nil && len(rec.MediaOp.Sources) > 0 {
		return rec.MediaOp.Sources[0]
	}
	return filepath.Join(rec.dir, ArtifactSource)
}
