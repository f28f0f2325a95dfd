package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// OTLPExporter posts series to an OTLP/HTTP metrics endpoint using the JSON encoding.
type OTLPExporter struct {
	endpoint string
	service  string
	version  string
	client   *http.Client
}

// NewOTLPExporter creates an exporter for endpoint, usually http://host:4318/v1/metrics.
func NewOTLPExporter(endpoint, service, version string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		service:  service,
		version:  version,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type otlpPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	StartTimeUnixNano string          `json:"startTimeUnixNano"`
	TimeUnixNano      string          `json:"timeUnixNano"`
	AsDouble          float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	StartTimeUnixNano string          `json:"startTimeUnixNano"`
	TimeUnixNano      string          `json:"timeUnixNano"`
	Count             string          `json:"count"`
	Sum               float64         `json:"sum"`
	Max               float64         `json:"max"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

// OTLP JSON carries 64-bit integers as strings.
const temporalityCumulative = 2

// Export sends series to the OTLP endpoint
func (e *OTLPExporter) Export(series []Series) error {
	if len(series) == 0 {
		return nil
	}
	data, err := json.Marshal(e.encode(series))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}
	log.Debug().Str("endpoint", e.endpoint).Int("series", len(series)).Msg("exported metrics via OTLP")
	return nil
}

func (e *OTLPExporter) encode(series []Series) otlpPayload {
	metrics := make([]otlpMetric, 0, len(series))
	for _, s := range series {
		attrs := attributes(s.Labels)
		start := fmt.Sprintf("%d", s.Start.UnixNano())
		last := fmt.Sprintf("%d", s.Last.UnixNano())

		m := otlpMetric{Name: s.Name, Unit: s.Unit}
		switch s.Type {
		case Counter:
			m.Sum = &otlpSum{
				DataPoints:             []otlpNumberDataPoint{{Attributes: attrs, StartTimeUnixNano: start, TimeUnixNano: last, AsDouble: s.Value}},
				AggregationTemporality: temporalityCumulative,
				IsMonotonic:            true,
			}
		case Gauge:
			m.Gauge = &otlpGauge{
				DataPoints: []otlpNumberDataPoint{{Attributes: attrs, StartTimeUnixNano: start, TimeUnixNano: last, AsDouble: s.Value}},
			}
		case Timer:
			m.Histogram = &otlpHistogram{
				DataPoints: []otlpHistogramDataPoint{{
					Attributes:        attrs,
					StartTimeUnixNano: start,
					TimeUnixNano:      last,
					Count:             fmt.Sprintf("%d", s.Count),
					Sum:               s.Value,
					Max:               s.Max,
				}},
				AggregationTemporality: temporalityCumulative,
			}
		}
		metrics = append(metrics, m)
	}

	return otlpPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: []otlpAttribute{
			{Key: "service.name", Value: otlpValue{StringValue: e.service}},
			{Key: "service.version", Value: otlpValue{StringValue: e.version}},
		}},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: e.service + "/telemetry", Version: e.version},
			Metrics: metrics,
		}},
	}}}
}

func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return out
}
