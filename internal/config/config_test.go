package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromTOML(t *testing.T, toml string) (*Config, error) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "imgpull.toml")
	require.NoError(t, os.WriteFile(configFile, []byte(toml), 0644))

	viper.Reset()
	viper.SetConfigFile(configFile)
	require.NoError(t, viper.ReadInConfig())

	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFromTOML(t, `[logging]
level = "info"`)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.NotEmpty(t, cfg.Server.DownloadsRoot)
	assert.Equal(t, 3, cfg.Scheduler.NTasks)
	assert.Equal(t, 5, cfg.Scheduler.NBlobs)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.True(t, cfg.Scheduler.RetainOnCancel)
}

func TestLoad_ExplicitValues(t *testing.T) {
	cfg, err := loadFromTOML(t, `
[server]
address = ":9090"
downloads_root = "/data/downloads"

[scheduler]
n_tasks = 5
n_blobs = 8
max_retries = 10
retain_on_cancel = false

[logging]
level = "debug"

[sources.internal]
host = "registry.internal.example.com"
url_scheme = "http"
username = "admin"
password = "secret"
`)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "/data/downloads", cfg.Server.DownloadsRoot)
	assert.Equal(t, 5, cfg.Scheduler.NTasks)
	assert.Equal(t, 8, cfg.Scheduler.NBlobs)
	assert.Equal(t, 10, cfg.Scheduler.MaxRetries)
	assert.False(t, cfg.Scheduler.RetainOnCancel)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Contains(t, cfg.Sources, "internal")
	assert.Equal(t, "registry.internal.example.com", cfg.Sources["internal"].Host)
	assert.Equal(t, "http", cfg.Sources["internal"].URLScheme)
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	_, err := loadFromTOML(t, `[logging]
level = "verbose"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level must be one of")
}

func TestLoad_RejectsZeroNTasks(t *testing.T) {
	_, err := loadFromTOML(t, `
[scheduler]
n_tasks = 0

[logging]
level = "info"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.n_tasks must be positive")
}

func TestLoad_RejectsSourceWithoutHost(t *testing.T) {
	_, err := loadFromTOML(t, `
[logging]
level = "info"

[sources.broken]
username = "admin"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.broken.host is required")
}

func TestDefaultDownloadsRoot_NeverEmpty(t *testing.T) {
	assert.NotEmpty(t, defaultDownloadsRoot())
}

func TestLoad_RejectsUnparseableBodySize(t *testing.T) {
	_, err := loadFromTOML(t, `
[server]
max_request_body_size = "not-a-size"

[logging]
level = "info"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_request_body_size")
}

func TestMaxRequestBodyBytes_ParsesDefault(t *testing.T) {
	cfg, err := loadFromTOML(t, `[logging]
level = "info"`)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), cfg.Server.MaxRequestBodyBytes())
}

func TestShutdownTimeoutDuration_ParsesHumanUnits(t *testing.T) {
	cfg, err := loadFromTOML(t, `
[server]
shutdown_timeout = "1m"

[logging]
level = "info"`)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Server.ShutdownTimeoutDuration())
}

func TestLoad_RejectsUnparseableShutdownTimeout(t *testing.T) {
	_, err := loadFromTOML(t, `
[server]
shutdown_timeout = "soon"

[logging]
level = "info"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown_timeout")
}
