// Package observability wires structured logging, metrics, and tracing for
// Stratagem.
//
// Logging uses log/slog with a text or JSON handler, optional rotated file
// output, and trace correlation: records logged with a context that carries a
// span get trace_id and span_id attributes.
//
// Metrics go through OpenTelemetry. When enabled, the meter provider is backed
// by a Prometheus exporter registered on a private registry whose handler is
// served at /metrics. When disabled, a noop provider is returned so callers
// never branch on configuration.
//
// Tracing uses the OpenTelemetry SDK. Spans are exported over OTLP when an
// endpoint is configured; otherwise they are only used for log and event
// correlation.
package observability
