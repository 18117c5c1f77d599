package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "a")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewProvider(context.Background(), config.TracingConfig{Exporter: "stdout", ServiceName: "handoffd"}, "node-1", &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "directory.put")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "directory.put")
	assert.Contains(t, buf.String(), "node-1")
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), config.TracingConfig{Exporter: "zipkin"}, "", &bytes.Buffer{})
	assert.Error(t, err)
}
