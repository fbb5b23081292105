package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Event bus metric names.
const (
	MetricEventsPublished = "stratagem.events.published"
	MetricEventsDelivered = "stratagem.events.delivered"
	MetricEventsDropped   = "stratagem.events.dropped"
)

// Metrics bundles the meter provider and the scrape handler.
type Metrics struct {
	Provider metric.MeterProvider

	// Handler serves the Prometheus exposition format. It answers 404 when
	// metrics are disabled.
	Handler http.Handler

	shutdown func(context.Context) error
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// InitMetrics initializes the metrics provider. When disabled it returns a noop
// provider. When enabled, instruments are exported through a Prometheus
// registry private to this provider, together with Go runtime and process
// collectors.
func InitMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{
			Provider: noop.NewMeterProvider(),
			Handler:  http.NotFoundHandler(),
		}, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	return &Metrics{
		Provider: provider,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: provider.Shutdown,
	}, nil
}

// OpenTelemetryMetricsRecorder records named counters and histograms through
// an OpenTelemetry meter. Instruments are created on first use and cached.
// It is safe for concurrent use.
type OpenTelemetryMetricsRecorder struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// NewOpenTelemetryMetricsRecorder creates a new OpenTelemetry-based metrics recorder.
func NewOpenTelemetryMetricsRecorder(meter metric.Meter) *OpenTelemetryMetricsRecorder {
	return &OpenTelemetryMetricsRecorder{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments a counter metric by the given value.
func (r *OpenTelemetryMetricsRecorder) RecordCounter(name string, value int64, labels map[string]string) {
	counter := r.getOrCreateCounter(name)
	if counter == nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(labelsToAttributes(labels)...))
}

// RecordHistogram records a value in a histogram metric.
func (r *OpenTelemetryMetricsRecorder) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := r.getOrCreateHistogram(name)
	if histogram == nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(labelsToAttributes(labels)...))
}

func (r *OpenTelemetryMetricsRecorder) getOrCreateCounter(name string) metric.Int64Counter {
	r.mu.RLock()
	counter, exists := r.counters[name]
	r.mu.RUnlock()
	if exists {
		return counter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, exists := r.counters[name]; exists {
		return counter
	}

	counter, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil
	}
	r.counters[name] = counter
	return counter
}

func (r *OpenTelemetryMetricsRecorder) getOrCreateHistogram(name string) metric.Float64Histogram {
	r.mu.RLock()
	histogram, exists := r.histograms[name]
	r.mu.RUnlock()
	if exists {
		return histogram
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, exists := r.histograms[name]; exists {
		return histogram
	}

	histogram, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	r.histograms[name] = histogram
	return histogram
}

// labelsToAttributes converts a string map to OpenTelemetry attributes.
func labelsToAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// BusMetrics adapts OpenTelemetryMetricsRecorder to events.Metrics.
type BusMetrics struct {
	Recorder *OpenTelemetryMetricsRecorder
}

// EventPublished counts a published event and how many subscribers got it.
func (b BusMetrics) EventPublished(eventType string, delivered int) {
	labels := map[string]string{"type": eventType}
	b.Recorder.RecordCounter(MetricEventsPublished, 1, labels)
	b.Recorder.RecordCounter(MetricEventsDelivered, int64(delivered), labels)
}

// EventDropped counts an event dropped for a slow subscriber.
func (b BusMetrics) EventDropped(eventType, subscriber string) {
	b.Recorder.RecordCounter(MetricEventsDropped, 1, map[string]string{
		"type":       eventType,
		"subscriber": subscriber,
	})
}
