package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/log"
)

type CallbackClient struct {
	httpClient *retryablehttp.Client
}

func NewCallbackClient() CallbackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 5 * time.Second, // Give up on requests that take more than this long
	}

	return CallbackClient{
		httpClient: client,
	}
}

func (c CallbackClient) DoWithRetries(r *retryablehttp.Request) error {
	resp, err := c.httpClient.Do(r)
	if err != nil {
		return fmt.Errorf("failed to send callback to %q. Error: %s", r.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to send callback to %q. HTTP Code: %d", r.URL.String(), resp.StatusCode)
	}

	return nil
}

// An enum of potential statuses a task callback can carry

type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusRunning
	TaskStatusSucceeded
	TaskStatusFailed
	TaskStatusCancelled
)

func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusPending:
		return "pending"
	case TaskStatusRunning:
		return "running"
	case TaskStatusSucceeded:
		return "succeeded"
	case TaskStatusFailed:
		return "failed"
	case TaskStatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

type TaskStatusMessage struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	CompletionRatio float32 `json:"completion_ratio,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	Retriable       bool    `json:"retriable,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

func (c CallbackClient) SendTaskStatus(url, taskID string, status TaskStatus, completionRatio float32) error {
	return c.sendTSM(url, taskID, TaskStatusMessage{
		TaskID:          taskID,
		Status:          status.String(),
		CompletionRatio: completionRatio,
		Timestamp:       config.Clock.GetTimestampUTC(),
	})
}

func (c CallbackClient) SendTaskError(url, taskID, errorMsg, errorKind string, retriable bool) error {
	return c.sendTSM(url, taskID, TaskStatusMessage{
		TaskID:    taskID,
		Status:    TaskStatusFailed.String(),
		Error:     errorMsg,
		ErrorKind: errorKind,
		Retriable: retriable,
		Timestamp: config.Clock.GetTimestampUTC(),
	})
}

func (c CallbackClient) sendTSM(callbackURL, taskID string, tsm TaskStatusMessage) error {
	j, err := json.Marshal(tsm)
	if err != nil {
		return err
	}

	r, err := retryablehttp.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(j))
	if err != nil {
		return err
	}

	// Caller may be a task driver mid-stage. Run in background, otherwise we
	// introduce latency in the current operation.
	go func() {
		if err := c.DoWithRetries(r); err != nil {
			log.LogError(taskID, "task status callback failed", err)
		}
	}()

	return nil
}
