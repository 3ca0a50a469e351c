package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhao-yangyang/DaemonChat/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSamplerDescription(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
