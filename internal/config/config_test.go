package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 100, cfg.Matrix.ChunkSize)
	assert.InDelta(t, 15.0, cfg.Matrix.MaxDirectWalktime, 0.001)
	assert.InDelta(t, 1000.0, cfg.Matrix.MaxAccessDistance, 0.001)
	assert.InDelta(t, 4.5, cfg.Matrix.Speeds["walk"], 0.001)
	assert.InDelta(t, 50000.0, cfg.Matrix.MaxDistances["car"], 0.001)
	assert.Equal(t, "foot", cfg.Routing.Profiles["walk"])
	assert.True(t, cfg.Routing.StartOnDemand)
	assert.Equal(t, 600, cfg.Indicator.CacheTTLSecs)
	assert.Equal(t, 5, cfg.Indicator.LegendClasses)
	assert.Equal(t, "daviplan:events", cfg.Redis.Channel)
	assert.False(t, cfg.Temporal.Enabled)
	assert.Equal(t, "daviplan", cfg.Temporal.TaskQueue)
	assert.Equal(t, 4*time.Hour, cfg.Temporal.ActivityTimeout())
	assert.Equal(t, "de", cfg.Population.Language)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  database_url: postgres://localhost/daviplan
log:
  level: debug
  format: console
server:
  port: 9090
matrix:
  chunk_size: 50
  air_fallback: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/daviplan", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Matrix.ChunkSize)
	assert.True(t, cfg.Matrix.AirFallback)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Routing.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
log:
  level: debug
routing:
  base_url: http://osrm:5000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DAVIPLAN_LOG_LEVEL", "warn")
	t.Setenv("DAVIPLAN_ROUTING_BASE_URL", "http://router:8001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "http://router:8001", cfg.Routing.BaseURL)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("DAVIPLAN_SERVER_PORT", "3000")
	t.Setenv("DAVIPLAN_MATRIX_CHUNK_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Matrix.ChunkSize)
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
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Server.Port = 8080
	cfg.Routing.BaseURL = "http://localhost:5000"
	cfg.Matrix.ChunkSize = 100
	cfg.Matrix.MaxDirectWalktime = 15
	cfg.Matrix.Speeds = map[string]float64{"walk": 4.5}
	cfg.Temporal.TaskQueue = "daviplan"
	return cfg
}

func TestValidateMatrix_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("matrix"))
}

func TestValidateMatrix_MissingFields(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("matrix")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "routing.base_url is required")
	assert.Contains(t, err.Error(), "matrix.chunk_size must be between 1 and 1000")
}

func TestValidateMatrix_InvalidSpeed(t *testing.T) {
	cfg := validDefaults()
	cfg.Matrix.Speeds["bike"] = 0

	err := cfg.Validate("matrix")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "matrix.speeds.bike must be > 0")
}

func TestValidateWorker_TemporalQueue(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.Enabled = true
	cfg.Temporal.TaskQueue = ""

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.task_queue")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateIndicator_NoDB(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("indicator")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestValidateDatabaseModes(t *testing.T) {
	for _, mode := range []string{"areas", "defaults", "maintenance", "population"} {
		cfg := validDefaults()
		cfg.Store.DatabaseURL = ""
		assert.Error(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
