package telemetry

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureExporter struct{ got []Series }

func (c *captureExporter) Export(series []Series) error {
	c.got = append(c.got, series...)
	return nil
}

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, nil)
	c.Counter("dsup_units_submitted", 1, map[string]string{"kind": "bundle"})
	c.Counter("dsup_units_submitted", 2, map[string]string{"kind": "bundle"})
	c.Counter("dsup_units_submitted", 1, map[string]string{"kind": "url_chunk"})
	c.Gauge("dsup_goroutines_total", 10, nil)
	c.Gauge("dsup_goroutines_total", 4, nil)
	c.Timer("dsup_submit_duration", 30*time.Millisecond, nil)
	c.Timer("dsup_submit_duration", 10*time.Millisecond, nil)

	snap := c.Snapshot()
	require.Len(t, snap, 4)

	byKey := map[string]Series{}
	for _, s := range snap {
		byKey[seriesKey(s.Name, s.Labels)] = s
	}
	assert.Equal(t, 3.0, byKey["dsup_units_submitted|kind=bundle"].Value)
	assert.Equal(t, int64(2), byKey["dsup_units_submitted|kind=bundle"].Count)
	assert.Equal(t, 1.0, byKey["dsup_units_submitted|kind=url_chunk"].Value)
	assert.Equal(t, 4.0, byKey["dsup_goroutines_total"].Value)

	timer := byKey["dsup_submit_duration"]
	assert.Equal(t, Timer, timer.Type)
	assert.Equal(t, "ms", timer.Unit)
	assert.InDelta(t, 40.0, timer.Value, 0.001)
	assert.InDelta(t, 30.0, timer.Max, 0.001)
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false, nil)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.Snapshot())
	assert.NoError(t, c.Flush())
}

func TestCollectorFlushResets(t *testing.T) {
	exp := &captureExporter{}
	c := NewCollector(true, exp)
	c.Counter("a", 1, nil)
	require.NoError(t, c.Flush())
	assert.Len(t, exp.got, 1)
	assert.Empty(t, c.Snapshot())
}

func TestSeriesKeyIsOrderIndependent(t *testing.T) {
	a := seriesKey("m", map[string]string{"x": "1", "y": "2"})
	b := seriesKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}

func TestGlobalHelpers(t *testing.T) {
	c := InitGlobal(true, nil)
	t.Cleanup(func() { InitGlobal(false, nil) })

	CounterGlobal("dsup_poll_cycles", 1, nil)
	RecordTransfer("sftp", 2048, time.Second, nil)
	RecordTransfer("sftp", 0, time.Millisecond, errors.New("refused"))
	scope := NewTimerScope("dsup_run_duration", nil)
	scope.End()
	RecordRuntime()

	names := map[string]bool{}
	for _, s := range c.Snapshot() {
		names[s.Name] = true
	}
	for _, want := range []string{"dsup_poll_cycles", "dsup_staged_bytes", "dsup_stage_failures", "dsup_stage_duration", "dsup_run_duration", "dsup_memory_heap_bytes"} {
		assert.True(t, names[want], want)
	}
}

func TestOTLPExporter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector(true, NewOTLPExporter(srv.URL, "dsup", "test"))
	c.Counter("dsup_units_submitted", 2, map[string]string{"kind": "s3"})
	c.Timer("dsup_submit_duration", time.Second, nil)
	require.NoError(t, c.Flush())

	rm := body["resourceMetrics"].([]any)[0].(map[string]any)
	metrics := rm["scopeMetrics"].([]any)[0].(map[string]any)["metrics"].([]any)
	require.Len(t, metrics, 2)
	names := []string{
		metrics[0].(map[string]any)["name"].(string),
		metrics[1].(map[string]any)["name"].(string),
	}
	assert.ElementsMatch(t, []string{"dsup_units_submitted", "dsup_submit_duration"}, names)
}

func TestOTLPExporterRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewOTLPExporter(srv.URL, "dsup", "test").Export([]Series{{Name: "a", Type: Counter}})
	assert.Error(t, err)
}
