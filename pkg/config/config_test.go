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

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	v := viper.New()
	require.NoError(t, Init(v))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SKILLBOX_BASE_PATH", "")
	v := newViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".skillbox"), cfg.BasePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "fmt", cfg.LogFormat)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Sandbox.PollInterval)
	assert.Equal(t, "https://esm.sh", cfg.Sandbox.CDNURL)
	assert.Equal(t, 1024, cfg.Sandbox.MaxCallStack)
	assert.Equal(t, 1<<20, cfg.Sandbox.MaxResultItems)
	assert.Equal(t, uint(3), cfg.Sandbox.FetchRetries)
	assert.Equal(t, 5*time.Second, cfg.Catalogue.SyncTTL)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, filepath.Join(cfg.BasePath, "downloads"), cfg.Downloads.Dir)
	assert.Equal(t, filepath.Join(cfg.BasePath, "storage.db"), cfg.StoragePath())
	assert.Equal(t, filepath.Join(cfg.BasePath, "files.db"), cfg.FilesPath())
}

func TestLoad_Environment(t *testing.T) {
	base := t.TempDir()
	t.Setenv("SKILLBOX_BASE_PATH", base)
	t.Setenv("SKILLBOX_SANDBOX_TIMEOUT", "5s")
	t.Setenv("SKILLBOX_SANDBOX_CDN_URL", "http://127.0.0.1:9999")
	t.Setenv("SKILLBOX_SERVER_PORT", "9000")
	t.Setenv("SKILLBOX_FETCH_ALLOWED_DOMAINS", "*.github.com,example.org")
	v := newViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, base, cfg.BasePath)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Sandbox.CDNURL)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"*.github.com", "example.org"}, cfg.Fetch.AllowedDomains)
}

func TestLoad_ConfigFile(t *testing.T) {
	t.Setenv("SKILLBOX_BASE_PATH", "")
	v := newViper(t)
	v.SetConfigFile(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, os.WriteFile(v.ConfigFileUsed(), []byte(`
base_path: /srv/skillbox
log_format: json
sandbox:
  timeout: 90s
catalogue:
  sync_ttl: 0s
downloads:
  dir: /srv/downloads
tracing:
  enabled: true
  sampler: always
`), 0o644))
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/srv/skillbox", cfg.BasePath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Catalogue.SyncTTL)
	assert.Equal(t, "/srv/downloads", cfg.Downloads.Dir)

	tc := cfg.Telemetry("1.2.3")
	assert.True(t, tc.Enabled)
	assert.Equal(t, "always", tc.SamplerType)
	assert.Equal(t, "skillbox", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
}

func TestValidate(t *testing.T) {
	valid := Config{BasePath: "/x", Tracing: TracingConfig{Sampler: "ratio"}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty base path", func(c *Config) { c.BasePath = "" }, "base_path"},
		{"negative timeout", func(c *Config) { c.Sandbox.Timeout = -time.Second }, "sandbox.timeout"},
		{"negative poll", func(c *Config) { c.Sandbox.PollInterval = -time.Second }, "sandbox.poll_interval"},
		{"negative ttl", func(c *Config) { c.Catalogue.SyncTTL = -time.Second }, "catalogue.sync_ttl"},
		{"bad sampler", func(c *Config) { c.Tracing.Sampler = "sometimes" }, "tracing: sampler must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
