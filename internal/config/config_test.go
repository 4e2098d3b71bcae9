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
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 1, cfg.Queue.ClaimBatchSize)
	assert.Equal(t, 120, cfg.Recovery.StaleThresholdSecs)
	assert.InDelta(t, 0.25, cfg.Scorer.SizeTolerance, 0.001)
	assert.InDelta(t, 10, cfg.Scorer.ThesisBonus["high"], 0.001)
	assert.InDelta(t, 5, cfg.Scorer.ThesisBonus["medium"], 0.001)
	assert.InDelta(t, 50, cfg.Scorer.MaxThesisBonus, 0.001)
	assert.InDelta(t, 0.2, cfg.Learner.MinMultiplier, 0.001)
	assert.InDelta(t, 3.0, cfg.Learner.MaxMultiplier, 0.001)
	assert.Equal(t, 5, cfg.Learner.MinSamples)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	require.Contains(t, cfg.RateLimit.Providers, "enrichment")
	assert.Equal(t, 5, cfg.RateLimit.Providers["enrichment"].MaxConcurrent)
	assert.Equal(t, 5, cfg.Jobs.CircuitFailureThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: /tmp/buyerfit.db
log:
  level: debug
  format: console
server:
  port: 9090
queue:
  workers: 8
scorer:
  size_tolerance: 0.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.InDelta(t, 0.5, cfg.Scorer.SizeTolerance, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
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

	t.Setenv("BUYERFIT_STORE_DRIVER", "postgres")
	t.Setenv("BUYERFIT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("BUYERFIT_SERVER_PORT", "3000")
	t.Setenv("BUYERFIT_RECOVERY_STALE_THRESHOLD_SECS", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Recovery.StaleThresholdSecs)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/buyerfit"
	cfg.Server.Port = 8080
	cfg.Queue.Workers = 4
	cfg.Queue.MaxAttempts = 3
	cfg.Recovery.StaleThresholdSecs = 120
	cfg.Scorer.SizeTolerance = 0.25
	cfg.Scorer.MaxThesisBonus = 50
	cfg.Learner.MinMultiplier = 0.2
	cfg.Learner.MaxMultiplier = 3.0
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.Providers = map[string]ProviderLimit{"enrichment": {MaxConcurrent: 5}}
	return cfg
}

func TestValidate_ValidModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "work", "recover", "enqueue", "recalc", "migrate", "import", "job"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("work"))
}

func TestValidate_EnrichRequiresBaseURL(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrichment.base_url is required")

	cfg.Enrichment.BaseURL = "https://enrich.example.com"
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidate_ServeInvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port only matters when serving.
	assert.NoError(t, cfg.Validate("work"))
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.Workers = 0
	cfg.Queue.MaxAttempts = 0
	cfg.Learner.MinMultiplier = 0
	cfg.RateLimit.Backend = "etcd"
	cfg.RateLimit.Providers["enrichment"] = ProviderLimit{}

	err := cfg.Validate("work")
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "queue.workers must be between 1 and 64")
	assert.Contains(t, msg, "queue.max_attempts must be >= 1")
	assert.Contains(t, msg, "learner multipliers")
	assert.Contains(t, msg, "ratelimit.backend must be memory or redis")
	assert.Contains(t, msg, "ratelimit.providers.enrichment.max_concurrent")
}

func TestValidate_RedisBackendNeedsAddr(t *testing.T) {
	cfg := validDefaults()
	cfg.RateLimit.Backend = "redis"

	err := cfg.Validate("work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr is required")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate("work"))
}
