package obs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/noah-isme/backend-pos/internal/obs"
)

func TestInitTracerWithoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName: "pos-api",
		Exporter:    "none",
		Environment: "test",
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "checkout")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerRejectsUnknownExporter(t *testing.T) {
	_, err := obs.InitTracer(context.Background(), obs.TracingConfig{Exporter: "zipkin"})
	require.ErrorContains(t, err, "unsupported tracing exporter")
}
