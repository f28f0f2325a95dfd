package api

import (
	"encoding/json"
	"fmt"
)

// v0 contains public types shared by the upload engine, the remote clients and the CLI.

// ProjectCoordinates address a data index inside a project of the conversion service.
type ProjectCoordinates struct {
	ProjKey  string `json:"proj_key" yaml:"proj_key"`
	IndexKey string `json:"index_key" yaml:"index_key"`
}

// S3Coordinates locate documents in an external object-storage bucket.
type S3Coordinates struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	SSL       bool   `json:"ssl" yaml:"ssl"`
	VerifySSL bool   `json:"verify_ssl" yaml:"verify_ssl"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Location  string `json:"location" yaml:"location"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Endpoint returns host:port, or just the host when no port is set.
func (c S3Coordinates) Endpoint() string {
	if c.Port == 0 {
		return c.Host
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InputSpec holds the caller input. Exactly one of the fields must be populated.
type InputSpec struct {
	URLs      []string       `json:"urls,omitempty" yaml:"urls"`
	LocalPath string         `json:"local_path,omitempty" yaml:"local_path"`
	S3        *S3Coordinates `json:"s3,omitempty" yaml:"s3"`
}

// Modality names which input form an InputSpec carries.
type Modality string

const (
	ModalityNone  Modality = ""
	ModalityURL   Modality = "url"
	ModalityLocal Modality = "local"
	ModalityS3    Modality = "s3"
)

// Populated returns every modality set on the spec, in a fixed order.
func (s InputSpec) Populated() []Modality {
	var out []Modality
	if len(s.URLs) > 0 {
		out = append(out, ModalityURL)
	}
	if s.LocalPath != "" {
		out = append(out, ModalityLocal)
	}
	if s.S3 != nil {
		out = append(out, ModalityS3)
	}
	return out
}

// ConversionSettings are passed through to the service untouched.
type ConversionSettings map[string]any

// TargetSettings control what the index stores. Unset fields are omitted from payloads.
type TargetSettings struct {
	AddRawPages    *bool `json:"add_raw_pages,omitempty" yaml:"add_raw_pages"`
	AddAnnotations *bool `json:"add_annotations,omitempty" yaml:"add_annotations"`
}

// IsZero reports whether no field was set by the caller.
func (t TargetSettings) IsZero() bool {
	return t.AddRawPages == nil && t.AddAnnotations == nil
}

// S3Source wraps coordinates the way the service expects them.
type S3Source struct {
	Coordinates S3Coordinates `json:"coordinates"`
}

// TaskPayload is the body of one conversion task submission.
type TaskPayload struct {
	FileURL            []string           `json:"file_url,omitempty"`
	S3Source           *S3Source          `json:"s3_source,omitempty"`
	ConversionSettings ConversionSettings `json:"conversion_settings,omitempty"`
	TargetSettings     *TargetSettings    `json:"target_settings,omitempty"`
}

// TaskID is the opaque identifier the service returns per submitted task.
type TaskID string

// TaskState is the lifecycle state of a remote task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}

// TaskStatus is one observation of a task.
type TaskStatus struct {
	ID     TaskID          `json:"task_id"`
	State  TaskState       `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UploadReport lists the terminal status of every task of a run, in submission order.
type UploadReport struct {
	RunID string       `json:"run_id,omitempty"`
	Tasks []TaskStatus `json:"tasks"`
}

// Len returns the number of tasks in the report.
func (r *UploadReport) Len() int { return len(r.Tasks) }

// Status returns the entry for id.
func (r *UploadReport) Status(id TaskID) (TaskStatus, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskStatus{}, false
}

// Counts tallies the report by state.
func (r *UploadReport) Counts() map[TaskState]int {
	out := make(map[TaskState]int, 4)
	for _, t := range r.Tasks {
		out[t.State]++
	}
	return out
}
