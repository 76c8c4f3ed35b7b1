package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Stages.Classifier)
	assert.Equal(t, "http://127.0.0.1:8001", cfg.Stages.Diagnosis)
	assert.Equal(t, "http://127.0.0.1:8003", cfg.Stages.Remediation)
	assert.Equal(t, 3, cfg.Transport.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Transport.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Transport.Retry.Multiplier, 0.001)
	assert.Equal(t, 15, cfg.Transport.TimeoutSecs)
	assert.Equal(t, 5, cfg.Transport.CircuitThreshold)
	assert.Equal(t, "rules", cfg.Scorer.Provider)
	assert.Equal(t, 3, cfg.Scorer.Retry.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Classifier.Workers)
	assert.Equal(t, 10, cfg.Remediation.MaxReplays)
	assert.Equal(t, 120, cfg.Aggregator.DeadlineSecs)
	assert.True(t, cfg.Aggregator.RequireHealthy)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
stages:
  diagnosis: http://diag.internal:9001
transport:
  retry:
    max_attempts: 5
store:
  driver: sqlite
  database_url: /tmp/triage.db
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://diag.internal:9001", cfg.Stages.Diagnosis)
	assert.Equal(t, 5, cfg.Transport.Retry.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, "http://127.0.0.1:8000", cfg.Stages.Classifier)
	assert.Equal(t, 15, cfg.Transport.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TRIAGE_STORE_DRIVER", "postgres")
	t.Setenv("TRIAGE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("TRIAGE_SERVER_PORT", "8001")
	t.Setenv("TRIAGE_TRANSPORT_RETRY_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Transport.Retry.MaxAttempts)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Stages = StagesConfig{
		Classifier:  "http://127.0.0.1:8000",
		Diagnosis:   "http://127.0.0.1:8001",
		Remediation: "http://127.0.0.1:8003",
	}
	cfg.Transport.Retry.MaxAttempts = 3
	cfg.Transport.Retry.JitterFraction = 0.25
	cfg.Transport.TimeoutSecs = 15
	cfg.Scorer.Provider = "rules"
	cfg.Store.Driver = "memory"
	cfg.Classifier.Workers = 4
	cfg.Aggregator.DeadlineSecs = 120
	cfg.Aggregator.PollIntervalMs = 500
	cfg.Server.Port = 8000
	return cfg
}

func TestValidateStages(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"classifier", "diagnosis", "remediation", "batch", "replay"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateMissingPeers(t *testing.T) {
	cfg := validDefaults()
	cfg.Stages.Remediation = ""
	cfg.Stages.Classifier = ""

	err := cfg.Validate("diagnosis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stages.remediation is required")
	assert.Contains(t, err.Error(), "stages.classifier is required")

	// The classifier only talks to diagnosis.
	assert.NoError(t, cfg.Validate("classifier"))
}

func TestValidateInvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("classifier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"

	err := cfg.Validate("remediation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required for sqlite")

	cfg.Store.DatabaseURL = "/tmp/triage.db"
	assert.NoError(t, cfg.Validate("remediation"))

	cfg.Store.Driver = "mongo"
	err = cfg.Validate("remediation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be")
}

func TestValidateAnthropicProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Scorer.Provider = "anthropic"

	err := cfg.Validate("classifier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	// Remediation always uses the rule actuator.
	assert.NoError(t, cfg.Validate("remediation"))

	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("diagnosis"))
}

func TestValidateTransportBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Transport.Retry.MaxAttempts = 0
	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts must be between 1 and 10")

	cfg.Transport.Retry.MaxAttempts = 3
	cfg.Transport.TimeoutSecs = 0
	err = cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_secs must be > 0")
}

func TestValidateWorkers(t *testing.T) {
	cfg := validDefaults()
	cfg.Classifier.Workers = 0
	err := cfg.Validate("classifier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier.workers must be between 1 and 64")

	// Other stages don't run the ingest pool.
	assert.NoError(t, cfg.Validate("diagnosis"))
}

func TestStagesURL(t *testing.T) {
	s := validDefaults().Stages
	assert.Equal(t, "http://127.0.0.1:8001", s.URL("diagnosis"))
	assert.Empty(t, s.URL("billing"))
}
