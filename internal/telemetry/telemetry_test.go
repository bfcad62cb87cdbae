package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitInstallsProvidersOnce(t *testing.T) {
	ctx := context.Background()

	first, err := Init(ctx, Config{ServiceName: "ecfr-test", ServiceVersion: "dev"})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Same(t, first.Tracer, otel.GetTracerProvider())

	second, err := Init(ctx, Config{ServiceName: "other"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, span := otel.Tracer("test").Start(ctx, "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestShutdownNilProviders(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := &Providers{}
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}
