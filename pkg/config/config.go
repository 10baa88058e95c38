// Package config loads skillbox configuration from config.yaml, SKILLBOX_*
// environment variables and command line flags through viper.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable, e.g. SKILLBOX_SANDBOX_TIMEOUT.
const EnvPrefix = "SKILLBOX"

// Config is the complete skillbox configuration.
type Config struct {
	BasePath  string          `mapstructure:"base_path" json:"base_path" yaml:"base_path"`
	LogLevel  string          `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFormat string          `mapstructure:"log_format" json:"log_format" yaml:"log_format"`
	Sandbox   sandbox.Config  `mapstructure:"sandbox" json:"sandbox" yaml:"sandbox"`
	Fetch     FetchConfig     `mapstructure:"fetch" json:"fetch" yaml:"fetch"`
	Downloads DownloadsConfig `mapstructure:"downloads" json:"downloads" yaml:"downloads"`
	Catalogue CatalogueConfig `mapstructure:"catalogue" json:"catalogue" yaml:"catalogue"`
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
}

// FetchConfig restricts the hosts sandboxed fetch may reach. Both lists
// empty allows every host.
type FetchConfig struct {
	AllowedDomainsFile string   `mapstructure:"allowed_domains_file" json:"allowed_domains_file" yaml:"allowed_domains_file"`
	AllowedDomains     []string `mapstructure:"allowed_domains" json:"allowed_domains" yaml:"allowed_domains"`
}

// DownloadsConfig controls where downloadFile writes.
type DownloadsConfig struct {
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

// CatalogueConfig controls catalogue reconciliation.
type CatalogueConfig struct {
	SyncTTL time.Duration `mapstructure:"sync_ttl" json:"sync_ttl" yaml:"sync_ttl"`
}

// ServerConfig is the HTTP API listen address.
type ServerConfig struct {
	Host string `mapstructure:"host" json:"host" yaml:"host"`
	Port int    `mapstructure:"port" json:"port" yaml:"port"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint string  `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	Sampler  string  `mapstructure:"sampler" json:"sampler" yaml:"sampler"`
	Ratio    float64 `mapstructure:"ratio" json:"ratio" yaml:"ratio"`
}

// Init points v at the config file locations and the environment. A missing
// config file is not an error.
func Init(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.skillbox")
	v.AddConfigPath(".")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "failed to read config file")
		}
	}
	return nil
}

// SetDefaults registers the default of every key, which also makes each key
// resolvable from the environment during Unmarshal.
func SetDefaults(v *viper.Viper) {
	basePath, err := db.DefaultBasePath()
	if err != nil {
		basePath = ".skillbox"
	}
	v.SetDefault("base_path", basePath)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")

	v.SetDefault("sandbox.timeout", sandbox.DefaultTimeout)
	v.SetDefault("sandbox.poll_interval", sandbox.DefaultPollInterval)
	v.SetDefault("sandbox.cdn_url", sandbox.DefaultCDNURL)
	v.SetDefault("sandbox.max_call_stack", sandbox.DefaultMaxCallStack)
	v.SetDefault("sandbox.fetch_retries", sandbox.DefaultFetchRetries)
	v.SetDefault("sandbox.max_result_items", sandbox.DefaultMaxResultItems)

	v.SetDefault("fetch.allowed_domains_file", "")
	v.SetDefault("fetch.allowed_domains", []string{})
	v.SetDefault("downloads.dir", "")
	v.SetDefault("catalogue.sync_ttl", skills.DefaultSyncTTL)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampler", telemetry.SamplerRatio)
	v.SetDefault("tracing.ratio", 1.0)
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if cfg.Downloads.Dir == "" {
		cfg.Downloads.Dir = filepath.Join(cfg.BasePath, "downloads")
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.BasePath == "" {
		return errors.New("base_path cannot be empty")
	}
	if c.Sandbox.Timeout < 0 {
		return errors.Errorf("sandbox.timeout cannot be negative: %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.PollInterval < 0 {
		return errors.Errorf("sandbox.poll_interval cannot be negative: %s", c.Sandbox.PollInterval)
	}
	if c.Catalogue.SyncTTL < 0 {
		return errors.Errorf("catalogue.sync_ttl cannot be negative: %s", c.Catalogue.SyncTTL)
	}
	return errors.Wrap(telemetry.ValidateSampler(c.Tracing.Sampler), "tracing")
}

// StoragePath is the sqlite database holding the catalogue.
func (c Config) StoragePath() string {
	return filepath.Join(c.BasePath, db.StorageFile)
}

// FilesPath is the bbolt file holding the virtual filesystem.
func (c Config) FilesPath() string {
	return filepath.Join(c.BasePath, db.FilesFile)
}

// Telemetry converts the tracing section for telemetry.InitTracer.
func (c Config) Telemetry(serviceVersion string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    "skillbox",
		ServiceVersion: serviceVersion,
		Endpoint:       c.Tracing.Endpoint,
		SamplerType:    c.Tracing.Sampler,
		SamplerRatio:   c.Tracing.Ratio,
	}
}
