package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies task failures. The API layer exposes these verbatim so that
// observers (the UI in particular) can react to specific codes.
type Kind string

const (
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindUnsupportedURL        Kind = "UNSUPPORTED_URL"
	KindBotChallenge          Kind = "BOT_CHALLENGE"
	KindGeoBlock              Kind = "GEO_BLOCK"
	KindNotFound              Kind = "NOT_FOUND"
	KindNetwork               Kind = "NETWORK"
	KindAudioDecodeFailed     Kind = "AUDIO_DECODE_FAILED"
	KindModelLoadFailed       Kind = "MODEL_LOAD_FAILED"
	KindBackendTimeout        Kind = "BACKEND_TIMEOUT"
	KindBackendUnavailable    Kind = "BACKEND_UNAVAILABLE"
	KindTranslationIncomplete Kind = "TRANSLATION_INCOMPLETE"
	KindTranscodeFailed       Kind = "TRANSCODE_FAILED"
	KindTranscodeTimeout      Kind = "TRANSCODE_TIMEOUT"
	KindStageTimeout          Kind = "STAGE_TIMEOUT"
	KindPromptTooLong         Kind = "PROMPT_TOO_LONG"
	KindCancelled             Kind = "CANCELLED"
	KindInternal              Kind = "INTERNAL"
)

// TaskError is the terminal error attached to a failed task record.
type TaskError struct {
	Kind         Kind   `json:"kind"`
	UserMessage  string `json:"user_facing_message"`
	Detail       string `json:"detail,omitempty"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	err          error
}

func (e *TaskError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *TaskError) Unwrap() error { return e.err }

// New creates a TaskError wrapping cause. The user message defaults per kind
// and can be overridden with WithUserMessage.
func New(kind Kind, cause error) *TaskError {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &TaskError{
		Kind:        kind,
		UserMessage: defaultUserMessage(kind),
		Detail:      detail,
		err:         cause,
	}
}

func (e *TaskError) WithUserMessage(msg string) *TaskError {
	e.UserMessage = msg
	return e
}

func defaultUserMessage(kind Kind) string {
	switch kind {
	case KindInvalidInput:
		return "The request contained invalid input."
	case KindUnsupportedURL:
		return "This URL is not supported."
	case KindBotChallenge:
		return "The remote site refused automated access. Please download the video yourself and upload the file instead."
	case KindGeoBlock:
		return "This video is not available in the server's region."
	case KindNotFound:
		return "The requested video could not be found."
	case KindNetwork:
		return "A network error occurred while fetching the video."
	case KindAudioDecodeFailed:
		return "The audio track could not be decoded."
	case KindModelLoadFailed:
		return "The speech model failed to load."
	case KindBackendTimeout, KindStageTimeout:
		return "Processing took too long and was aborted."
	case KindBackendUnavailable:
		return "The speech service is temporarily unavailable."
	case KindTranslationIncomplete:
		return "Translation could not be completed for every subtitle line."
	case KindTranscodeFailed, KindTranscodeTimeout:
		return "Video processing failed."
	case KindPromptTooLong:
		return "The custom prompt is too long."
	case KindCancelled:
		return "The task was cancelled."
	default:
		return "An internal error occurred."
	}
}

// KindOf extracts the Kind from any error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// AsTaskError returns err as a *TaskError, wrapping it as INTERNAL when it is
// not one already. Context cancellation maps to CANCELLED.
func AsTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindStageTimeout, err)
	}
	return New(KindInternal, err)
}

// TranslationIncompleteError records which segment indices a translation
// batch never produced, after all retries were spent.
type TranslationIncompleteError struct {
	BatchID int
	Missing []int
}

func (e *TranslationIncompleteError) Error() string {
	return fmt.Sprintf("translation incomplete for batch %d: missing indices %v", e.BatchID, e.Missing)
}

// Unretriable marks an error as permanent so retry loops built on backoff
// stop immediately.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return true
	}
	switch KindOf(err) {
	case KindBotChallenge, KindGeoBlock, KindNotFound, KindUnsupportedURL,
		KindInvalidInput, KindPromptTooLong, KindCancelled, KindTranslationIncomplete:
		return true
	}
	return false
}
