// Package telemetry aggregates in-process metrics for a single dsup invocation and
// flushes them to the log or to an OTLP/HTTP collector.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Series is the aggregate of every observation recorded under one name and label set.
// Value is the running sum for counters and timers and the last value for gauges.
type Series struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
	Unit   string            `json:"unit,omitempty"`
	Value  float64           `json:"value"`
	Count  int64             `json:"count"`
	Max    float64           `json:"max"`
	Start  time.Time         `json:"start"`
	Last   time.Time         `json:"last"`
}

// Exporter ships series somewhere outside the process.
type Exporter interface {
	Export(series []Series) error
}

// Collector manages telemetry collection
type Collector struct {
	mu       sync.Mutex
	enabled  bool
	series   map[string]*Series
	exporter Exporter
}

// NewCollector creates a collector. A nil exporter flushes to the log.
func NewCollector(enabled bool, exporter Exporter) *Collector {
	return &Collector{
		enabled:  enabled,
		series:   make(map[string]*Series),
		exporter: exporter,
	}
}

func (c *Collector) Enabled() bool { return c.enabled }

// Counter adds value to a counter
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.observe(name, Counter, "", value, labels)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.observe(name, Gauge, "", value, labels)
}

// Timer records a duration measurement in milliseconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.observe(name, Timer, "ms", float64(duration.Microseconds())/1000, labels)
}

func (c *Collector) observe(name string, typ MetricType, unit string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	now := time.Now()
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: name, Type: typ, Unit: unit, Labels: copyLabels(labels), Start: now}
		c.series[key] = s
	}
	s.Count++
	s.Last = now
	if typ == Gauge {
		s.Value = value
	} else {
		s.Value += value
	}
	if value > s.Max {
		s.Max = value
	}
}

// Snapshot returns a copy of every series sorted by name and labels.
func (c *Collector) Snapshot() []Series {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		s := *c.series[k]
		s.Labels = copyLabels(s.Labels)
		out = append(out, s)
	}
	return out
}

// Flush hands the current series to the exporter, or logs them, and resets the collector.
func (c *Collector) Flush() error {
	series := c.Snapshot()
	c.mu.Lock()
	c.series = make(map[string]*Series)
	c.mu.Unlock()

	if len(series) == 0 {
		return nil
	}
	log.Debug().Int("count", len(series)).Msg("flushing telemetry")

	if c.exporter != nil {
		return c.exporter.Export(series)
	}
	for _, s := range series {
		log.Info().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Float64("value", s.Value).
			Int64("count", s.Count).
			Float64("max", s.Max).
			Interface("labels", s.Labels).
			Msg("telemetry_metric")
	}
	return nil
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool, exporter Exporter) *Collector {
	c := NewCollector(enabled, exporter)
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
	return c
}

// GetGlobal returns the global collector, a disabled one until InitGlobal is called.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, nil)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown flushes the global collector
func Shutdown() error {
	return GetGlobal().Flush()
}
