package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/triage-loop/internal/config"
)

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{
		MaxAttempts:      4,
		InitialBackoffMs: 100,
		MaxBackoffMs:     2000,
		Multiplier:       3,
		JitterFraction:   0,
	})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)
	assert.Zero(t, cfg.JitterFraction)
}

func TestFromRetryConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{JitterFraction: -1})
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.InDelta(t, def.JitterFraction, cfg.JitterFraction, 0.001)
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(config.TransportConfig{CircuitThreshold: 2, CircuitResetSecs: 7})
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 7*time.Second, cfg.ResetTimeout)

	cfg = FromCircuitConfig(config.TransportConfig{})
	assert.Equal(t, 5, cfg.FailureThreshold)
}
