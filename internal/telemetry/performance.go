package telemetry

import (
	"runtime"
	"time"
)

// RecordTransfer records one bundle handed to a stager.
func RecordTransfer(stager string, size int64, duration time.Duration, err error) {
	c := GetGlobal()
	labels := map[string]string{"stager": stager}

	c.Timer("dsup_stage_duration", duration, labels)
	if err != nil {
		c.Counter("dsup_stage_failures", 1, labels)
		return
	}
	c.Counter("dsup_staged_bytes", float64(size), labels)
	if secs := duration.Seconds(); secs > 0 {
		c.Gauge("dsup_stage_throughput_mbps", float64(size)/(1024*1024)/secs, labels)
	}
}

// RecordRuntime samples memory and goroutine gauges, typically once at the end of a run.
func RecordRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c := GetGlobal()
	labels := map[string]string{"component": "runtime"}
	c.Gauge("dsup_memory_heap_bytes", float64(m.HeapAlloc), labels)
	c.Gauge("dsup_memory_heap_sys_bytes", float64(m.HeapSys), labels)
	c.Gauge("dsup_gc_total", float64(m.NumGC), labels)
	c.Gauge("dsup_goroutines_total", float64(runtime.NumGoroutine()), labels)
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}
