package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProvider_ExportsOnShutdown(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracerProvider(&buf, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "media.ingest")
	span.End()

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "media.ingest")
	assert.Contains(t, out, ServiceName)
}
