package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), "navhist-test", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Equal(t, before, otel.GetTracerProvider())
}

func TestSetup_InstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	// non-routable, nothing is exported before shutdown
	shutdown, err := Setup(context.Background(), "navhist-test", "http://192.0.2.1:4318")
	require.NoError(t, err)
	require.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	require.NoError(t, shutdown(context.Background()))
}
