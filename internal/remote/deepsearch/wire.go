package deepsearch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// Wire shapes shared by the client and the development server.

// SubmitResponse is returned by the convert-upload action.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResponse describes one background task.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	TaskStatus string          `json:"task_status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// UploadRequest asks for a place to put a bundle.
type UploadRequest struct {
	Filename string `json:"filename"`
}

// UploadResponse tells the client where to PUT the bundle and how the service will refer to it.
type UploadResponse struct {
	UploadURL   string `json:"upload_url"`
	InternalURL string `json:"internal_url"`
}

// Celery task states reported by the service.
const (
	StatePending  = "PENDING"
	StateReceived = "RECEIVED"
	StateStarted  = "STARTED"
	StateRetry    = "RETRY"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
	StateRevoked  = "REVOKED"
)

// MapState converts a service task state to the engine's TaskState.
func MapState(s string) (api.TaskState, error) {
	switch strings.ToUpper(s) {
	case StatePending:
		return api.TaskPending, nil
	case StateReceived, StateStarted, StateRetry:
		return api.TaskRunning, nil
	case StateSuccess:
		return api.TaskSucceeded, nil
	case StateFailure, StateRevoked:
		return api.TaskFailed, nil
	}
	return "", remote.ValidationError{Field: "task_status", Value: s, Message: "unknown task state"}
}

// SubmitPath is the convert-upload action of a data index.
func SubmitPath(c api.ProjectCoordinates) string {
	return fmt.Sprintf("/projects/%s/data_indices/%s/actions/ccs_convert_upload", url.PathEscape(c.ProjKey), url.PathEscape(c.IndexKey))
}

// TaskPath is the status resource of one task.
func TaskPath(projKey string, id api.TaskID) string {
	return fmt.Sprintf("/projects/%s/celery_tasks/%s", url.PathEscape(projKey), url.PathEscape(string(id)))
}

// UploadPath issues upload slots for a project.
func UploadPath(projKey string) string {
	return fmt.Sprintf("/projects/%s/uploads", url.PathEscape(projKey))
}
