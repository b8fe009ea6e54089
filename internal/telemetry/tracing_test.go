package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "linkedin-signals-test", exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "advance")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "advance", spans[0].Name)
}

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "linkedin-signals-test", nil)
	require.NoError(t, err)
	require.IsType(t, &sdktrace.TracerProvider{}, tp)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewCloudTraceExporterRequiresProject(t *testing.T) {
	_, err := NewCloudTraceExporter("")
	require.Error(t, err)
}
