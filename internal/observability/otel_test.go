package observability

import (
	"context"
	"testing"

	"flowstream/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false

	shutdown, err := SetupTracing(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "otel-collector:4317", endpointHost("http://otel-collector:4317"))
	assert.Equal(t, "collector:4317", endpointHost("https://collector:4317/"))
	assert.Equal(t, "localhost:4317", endpointHost("localhost:4317"))
}

func TestServiceNameAndRatio(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.ServiceName = ""
	assert.Equal(t, "flowstream", ServiceName(cfg))

	assert.Equal(t, 0.1, sampleRatio(0))
	assert.Equal(t, 0.1, sampleRatio(1.5))
	assert.Equal(t, 0.5, sampleRatio(0.5))
}
