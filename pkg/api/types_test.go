package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputSpecPopulated(t *testing.T) {
	tests := []struct {
		name string
		spec InputSpec
		want []Modality
	}{
		{name: "empty", spec: InputSpec{}, want: nil},
		{name: "urls", spec: InputSpec{URLs: []string{"a"}}, want: []Modality{ModalityURL}},
		{name: "local", spec: InputSpec{LocalPath: "/tmp/x"}, want: []Modality{ModalityLocal}},
		{name: "s3", spec: InputSpec{S3: &S3Coordinates{}}, want: []Modality{ModalityS3}},
		{name: "url and s3", spec: InputSpec{URLs: []string{"a"}, S3: &S3Coordinates{}}, want: []Modality{ModalityURL, ModalityS3}},
		{name: "empty url list is unset", spec: InputSpec{URLs: []string{}}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.Populated())
		})
	}
}

func TestTaskPayloadOmitsUnsetTargetFields(t *testing.T) {
	yes := true
	p := TaskPayload{
		FileURL:        []string{"https://example.com/a.pdf"},
		TargetSettings: &TargetSettings{AddRawPages: &yes},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_url":["https://example.com/a.pdf"],"target_settings":{"add_raw_pages":true}}`, string(b))
}

func TestTaskPayloadS3Source(t *testing.T) {
	p := TaskPayload{S3Source: &S3Source{Coordinates: S3Coordinates{Host: "s3.local", Port: 9000, Bucket: "docs"}}}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.NotContains(t, raw, "file_url")
	src := raw["s3_source"].(map[string]any)["coordinates"].(map[string]any)
	assert.Equal(t, "docs", src["bucket"])
}

func TestTaskStateTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.False(t, TaskState("STARTED").Valid())
}

func TestUploadReportCounts(t *testing.T) {
	r := &UploadReport{Tasks: []TaskStatus{
		{ID: "1", State: TaskSucceeded},
		{ID: "2", State: TaskFailed, Error: "bad pdf"},
		{ID: "3", State: TaskSucceeded},
	}}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.Counts()[TaskSucceeded])
	st, ok := r.Status("2")
	require.True(t, ok)
	assert.Equal(t, "bad pdf", st.Error)
	_, ok = r.Status("9")
	assert.False(t, ok)
}

func TestS3CoordinatesEndpoint(t *testing.T) {
	assert.Equal(t, "s3.local:9000", S3Coordinates{Host: "s3.local", Port: 9000}.Endpoint())
	assert.Equal(t, "s3.amazonaws.com", S3Coordinates{Host: "s3.amazonaws.com"}.Endpoint())
}
