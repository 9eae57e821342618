package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/metrics"
	"github.com/sublingo/sublingo-api/pipeline"
	"github.com/sublingo/sublingo-api/token"
	"github.com/sublingo/sublingo-api/transcribe"
)

// SublingoAPIHandlersCollection serves the public task API on top of the
// coordinator.
type SublingoAPIHandlersCollection struct {
	Runtime *pipeline.Coordinator
	Guard   *token.Guard
	WorkDir string
}

// TaskOptions carries the per-task choices shared by the upload and fetch
// creation endpoints.
type TaskOptions struct {
	SourceLang        string            `json:"source_lang,omitempty"`
	TargetLang        string            `json:"target_lang,omitempty"`
	Model             string            `json:"model,omitempty"`
	TranslatorBackend string            `json:"translator_backend,omitempty"`
	CreateBurnedVideo bool              `json:"create_burned_video,omitempty"`
	TranscriptionOnly bool              `json:"transcription_only,omitempty"`
	Watermark         *WatermarkRequest `json:"watermark,omitempty"`
}

// WatermarkRequest is the JSON form of a logo overlay; the logo travels
// base64-encoded. Multipart requests send the logo as a file part instead.
type WatermarkRequest struct {
	LogoBase64 string `json:"logo_base64"`
	Position   string `json:"position,omitempty"`
	Size       string `json:"size,omitempty"`
	Opacity    int    `json:"opacity,omitempty"`
}

type FetchTaskRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
	TaskOptions
}

type MediaOpRequest struct {
	Op           string            `json:"op"` // cut | merge | embed
	Start        string            `json:"start,omitempty"`
	End          string            `json:"end,omitempty"`
	Sources      []string          `json:"sources,omitempty"`
	SubtitlePath string            `json:"subtitle_path,omitempty"`
	Watermark    *WatermarkRequest `json:"watermark,omitempty"`
}

type TaskCreatedResponse struct {
	TaskID string `json:"task_id"`
}

func (o TaskOptions) toChoices() (pipeline.Choices, error) {
	choices := pipeline.Choices{
		SourceLang:         o.SourceLang,
		TargetLang:         o.TargetLang,
		CreateBurnedVideo:  o.CreateBurnedVideo,
		TranscriptionModel: transcribe.Model(o.Model),
		TranslatorBackend:  o.TranslatorBackend,
		TranscriptionOnly:  o.TranscriptionOnly,
	}
	if o.Watermark != nil {
		spec, err := o.Watermark.toSpec()
		if err != nil {
			return pipeline.Choices{}, err
		}
		choices.Watermark = spec
	}
	return choices, nil
}

func (wr WatermarkRequest) toSpec() (*media.WatermarkSpec, error) {
	logo, err := base64.StdEncoding.DecodeString(wr.LogoBase64)
	if err != nil {
		return nil, errors.New(errors.KindInvalidInput, fmt.Errorf("watermark logo is not valid base64: %w", err))
	}
	if len(logo) == 0 {
		return nil, errors.New(errors.KindInvalidInput, fmt.Errorf("watermark logo is empty"))
	}
	return &media.WatermarkSpec{
		LogoBytes: logo,
		Position:  media.WatermarkPosition(wr.Position),
		Size:      media.WatermarkSize(wr.Size),
		Opacity:   wr.Opacity,
	}, nil
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}

	return false
}

func (d *SublingoAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK") // nolint:errcheck
	}
}

// UploadMedia accepts a multipart upload and starts a processing task over
// it. The file is spooled next to the task directories first so the rename
// into place stays on one filesystem.
func (d *SublingoAPIHandlersCollection) UploadMedia() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		file, _, err := req.FormFile("file")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Missing file part", err)
			return
		}
		defer file.Close() // nolint:errcheck

		tmpPath := filepath.Join(d.WorkDir, "upload-"+uuid.NewString())
		tmp, err := os.Create(tmpPath)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot spool upload", err)
			return
		}
		_, copyErr := io.Copy(tmp, file)
		closeErr := tmp.Close()
		if copyErr != nil || closeErr != nil {
			os.Remove(tmpPath) // nolint:errcheck
			errors.WriteHTTPInternalServerError(w, "Cannot spool upload", copyErr)
			return
		}

		choices, err := optionsFromForm(req).toChoices()
		if err == nil {
			if logo, _, ferr := req.FormFile("watermark_logo"); ferr == nil {
				defer logo.Close() // nolint:errcheck
				var logoBytes []byte
				if logoBytes, err = io.ReadAll(logo); err == nil {
					choices.Watermark = &media.WatermarkSpec{
						LogoBytes: logoBytes,
						Position:  media.WatermarkPosition(req.FormValue("watermark_position")),
						Size:      media.WatermarkSize(req.FormValue("watermark_size")),
						Opacity:   atoiOrZero(req.FormValue("watermark_opacity")),
					}
				}
			}
		}
		if err != nil {
			os.Remove(tmpPath) // nolint:errcheck
			writeTaskError(w, "Invalid task options", err)
			return
		}

		rec, err := d.Runtime.Create(pipeline.CreateParams{Kind: pipeline.KindUpload, Choices: choices})
		if err != nil {
			os.Remove(tmpPath) // nolint:errcheck
			writeTaskError(w, "Cannot create task", err)
			return
		}
		if err := os.Rename(tmpPath, filepath.Join(rec.Dir(), pipeline.ArtifactSource)); err != nil {
			os.Remove(tmpPath) // nolint:errcheck
			errors.WriteHTTPInternalServerError(w, "Cannot place upload", err)
			return
		}

		d.submit(w, rec.TaskID)
	}
}

func optionsFromForm(req *http.Request) TaskOptions {
	return TaskOptions{
		SourceLang:        req.FormValue("source_lang"),
		TargetLang:        req.FormValue("target_lang"),
		Model:             req.FormValue("model"),
		TranslatorBackend: req.FormValue("translator_backend"),
		CreateBurnedVideo: req.FormValue("create_burned_video") == "true",
		TranscriptionOnly: req.FormValue("transcription_only") == "true",
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// FetchMedia starts a fetch-and-process task for a remote video URL.
func (d *SublingoAPIHandlersCollection) FetchMedia() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var fr FetchTaskRequest
		if !decodeJSONBody(w, req, &fr) {
			return
		}
		choices, err := fr.toChoices()
		if err != nil {
			writeTaskError(w, "Invalid task options", err)
			return
		}
		rec, err := d.Runtime.Create(pipeline.CreateParams{
			Kind:      pipeline.KindFetchAndProcess,
			Choices:   choices,
			SourceURL: fr.URL,
			Quality:   fr.Quality,
		})
		if err != nil {
			writeTaskError(w, "Cannot create task", err)
			return
		}
		d.submit(w, rec.TaskID)
	}
}

// FetchOnly downloads a remote video without processing it.
func (d *SublingoAPIHandlersCollection) FetchOnly() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var fr FetchTaskRequest
		if !decodeJSONBody(w, req, &fr) {
			return
		}
		rec, err := d.Runtime.Create(pipeline.CreateParams{
			Kind:      pipeline.KindFetchOnly,
			SourceURL: fr.URL,
			Quality:   fr.Quality,
		})
		if err != nil {
			writeTaskError(w, "Cannot create task", err)
			return
		}
		d.submit(w, rec.TaskID)
	}
}

// MediaOperation starts a cut, merge or subtitle-embed task over files the
// caller already has on the server.
func (d *SublingoAPIHandlersCollection) MediaOperation() httprouter.Handle {
	kinds := map[string]pipeline.Kind{
		"cut":   pipeline.KindCut,
		"merge": pipeline.KindMerge,
		"embed": pipeline.KindEmbed,
	}

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var mr MediaOpRequest
		if !decodeJSONBody(w, req, &mr) {
			return
		}
		kind, ok := kinds[mr.Op]
		if !ok {
			errors.WriteHTTPBadRequest(w, "Unknown media operation", fmt.Errorf("op %q", mr.Op))
			return
		}
		var choices pipeline.Choices
		if mr.Watermark != nil {
			spec, err := mr.Watermark.toSpec()
			if err != nil {
				writeTaskError(w, "Invalid task options", err)
				return
			}
			choices.Watermark = spec
		}
		rec, err := d.Runtime.Create(pipeline.CreateParams{
			Kind:    kind,
			Choices: choices,
			MediaOp: &pipeline.MediaOpParams{
				Start:        mr.Start,
				End:          mr.End,
				Sources:      mr.Sources,
				SubtitlePath: mr.SubtitlePath,
			},
		})
		if err != nil {
			writeTaskError(w, "Cannot create task", err)
			return
		}
		d.submit(w, rec.TaskID)
	}
}

// StatusResponse augments the runtime status with signed download links for
// the artifacts of a succeeded task.
type StatusResponse struct {
	pipeline.Status
	Downloads map[string]string `json:"downloads,omitempty"`
}

// TaskStatus reports a task's progress. Unknown IDs answer as pending rather
// than erroring: observers may poll before creation has propagated.
func (d *SublingoAPIHandlersCollection) TaskStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		st, ok := d.Runtime.Status(id)
		if !ok {
			respondJSON(w, http.StatusOK, StatusResponse{Status: pipeline.Status{
				TaskRecord: pipeline.TaskRecord{TaskID: id, State: pipeline.StatePending},
			}})
			return
		}

		resp := StatusResponse{Status: st}
		if st.State == pipeline.StateSucceeded && st.Result != nil {
			resp.Downloads = make(map[string]string, len(st.Result.Artifacts))
			for artifact := range st.Result.Artifacts {
				tok, err := d.Guard.Issue(id, artifact)
				if err != nil {
					log.LogError(id, "cannot issue download token", err, "artifact", artifact)
					continue
				}
				resp.Downloads[artifact] = "/api/download?token=" + tok
			}
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

func (d *SublingoAPIHandlersCollection) CancelTask() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		if !d.Runtime.Cancel(id) {
			errors.WriteHTTPNotFound(w, "Unknown task", fmt.Errorf("task %s", id))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "cancelled": true})
	}
}

type SummaryRequest struct {
	Language     string `json:"language,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

type SummaryResponse struct {
	TaskID  string `json:"task_id"`
	Summary string `json:"summary"`
}

// SummarizeTask runs the summary hook over a succeeded task's subtitles.
func (d *SublingoAPIHandlersCollection) SummarizeTask() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		var sr SummaryRequest
		if err := json.NewDecoder(req.Body).Decode(&sr); err != nil && err != io.EOF {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}
		text, err := d.Runtime.Summarize(req.Context(), id, sr.Language, sr.CustomPrompt)
		if err != nil {
			writeTaskError(w, "Cannot summarize task", err)
			return
		}
		respondJSON(w, http.StatusOK, SummaryResponse{TaskID: id, Summary: text})
	}
}

// Download serves a task artifact to anyone presenting a valid signed token.
// Invalid tokens 404 so the endpoint does not confirm what exists; expired
// ones 410 so clients know to refresh the status page for a new link.
func (d *SublingoAPIHandlersCollection) Download() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		taskID, artifact, err := d.Guard.Verify(req.URL.Query().Get("token"))
		if err != nil {
			if err == token.ErrExpired {
				metrics.Metrics.DownloadTokenRejected.WithLabelValues("expired").Inc()
				errors.WriteHTTPGone(w, "Download link expired", err)
				return
			}
			metrics.Metrics.DownloadTokenRejected.WithLabelValues("invalid").Inc()
			errors.WriteHTTPNotFound(w, "Not found", err)
			return
		}

		rec := d.Runtime.Get(taskID)
		if rec == nil || rec.CurrentState() != pipeline.StateSucceeded {
			metrics.Metrics.DownloadTokenRejected.WithLabelValues("invalid").Inc()
			errors.WriteHTTPNotFound(w, "Not found", nil)
			return
		}
		path, ok := rec.Snapshot().Result.Artifacts[artifact]
		if !ok {
			metrics.Metrics.DownloadTokenRejected.WithLabelValues("mismatch").Inc()
			errors.WriteHTTPNotFound(w, "Not found", token.ErrMismatch)
			return
		}

		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(artifact))
		http.ServeFile(w, req, path)
	}
}

// submit hands the created task to the runtime and answers with its ID.
func (d *SublingoAPIHandlersCollection) submit(w http.ResponseWriter, taskID string) {
	if err := d.Runtime.Submit(taskID); err != nil {
		writeTaskError(w, "Cannot start task", err)
		return
	}
	respondJSON(w, http.StatusOK, TaskCreatedResponse{TaskID: taskID})
}

func decodeJSONBody(w http.ResponseWriter, req *http.Request, dest interface{}) bool {
	if !HasContentType(req, "application/json") {
		errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
		return false
	}
	if err := json.NewDecoder(req.Body).Decode(dest); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}

func writeTaskError(w http.ResponseWriter, msg string, err error) {
	switch errors.KindOf(err) {
	case errors.KindInvalidInput, errors.KindPromptTooLong:
		errors.WriteHTTPBadRequest(w, msg, err)
	case errors.KindNotFound:
		errors.WriteHTTPNotFound(w, msg, err)
	default:
		errors.WriteHTTPInternalServerError(w, msg, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.LogNoTaskID("error writing API response", "error", err)
	}
}
