package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer ShutdownTracing(context.Background(), tp)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.IsRecording())
}

func TestInitTracing_InvalidSampleRate(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, SampleRate: 2})
	assert.Error(t, err)
}

func TestInitTracing_ExportsAndCorrelatesLogs(t *testing.T) {
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: true}, WithExporter(exporter))
	require.NoError(t, err)
	defer ShutdownTracing(context.Background(), tp)

	buf := &bytes.Buffer{}
	logger, _, err := NewLogger(LoggingConfig{Format: "json"}, buf)
	require.NoError(t, err)

	ctx, span := otel.Tracer("stratagem").Start(context.Background(), "controlplane.SubmitSpec")
	logger.InfoContext(ctx, "submitted")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "controlplane.SubmitSpec", spans[0].Name)

	entry := decodeLine(t, buf)
	assert.Equal(t, spans[0].SpanContext.TraceID().String(), entry["trace_id"])
	assert.Equal(t, spans[0].SpanContext.SpanID().String(), entry["span_id"])
}

func TestShutdownTracing_Nil(t *testing.T) {
	assert.NoError(t, ShutdownTracing(context.Background(), nil))
}
