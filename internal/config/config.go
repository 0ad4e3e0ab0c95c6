// Package config provides configuration types, defaults and loading for rtvs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// PasswordEnv holds the password used for every remote broker.
const PasswordEnv = "RTVS_BROKER_PASSWORD"

// LocalConfigPath is the project-local config file, relative to the
// working directory.
const LocalConfigPath = ".rtvs/config.yaml"

// Config holds all configuration options for rtvs.
type Config struct {
	ActiveBroker string                  `mapstructure:"active_broker"`
	Brokers      []broker.ConnectionInfo `mapstructure:"brokers"`
	Host         HostConfig              `mapstructure:"host"`
	Transfer     TransferConfig          `mapstructure:"transfer"`
	Cache        CacheConfig             `mapstructure:"cache"`
	Storage      StorageConfig           `mapstructure:"storage"`
	Tracing      tracing.Config          `mapstructure:"tracing"`
	Metrics      MetricsConfig           `mapstructure:"metrics"`
}

// HostConfig describes the R host every session starts.
type HostConfig struct {
	rhost.StartupInfo `mapstructure:",squash"`

	// StartTimeout bounds how long a host may take to say hello.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// TransferConfig tunes blob transfer.
type TransferConfig struct {
	ChunkSize int `mapstructure:"chunk_size"` // bytes per WriteBlob/ReadBlob
}

// CacheConfig tunes the evaluation result cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"` // 0 disables caching
}

// StorageConfig locates the connection database.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// DefaultConfigDir returns ~/.config/rtvs.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rtvs")
}

// DefaultDBPath returns the default location of the connection database.
func DefaultDBPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "rtvs.db")
}

// DefaultTracesFilePath returns the default output of the file exporter.
func DefaultTracesFilePath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// Defaults returns the configuration used when no file sets a value.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()

	return Config{
		Host: HostConfig{
			StartupInfo: rhost.StartupInfo{
				Name:        "rtvs",
				Interactive: true,
				CRANMirror:  "https://cloud.r-project.org",
			},
			StartTimeout: 30 * time.Second,
		},
		Transfer: TransferConfig{ChunkSize: 1 << 20},
		Cache:    CacheConfig{TTL: time.Minute},
		Storage:  StorageConfig{DBPath: DefaultDBPath()},
		Tracing:  tc,
	}
}

// Broker returns the configured broker called name, with the password
// taken from the environment.
func (c Config) Broker(name string) (broker.ConnectionInfo, bool) {
	for _, b := range c.Brokers {
		if b.Name == name {
			if b.IsRemote() {
				b.Password = os.Getenv(PasswordEnv)
			}
			return b, true
		}
	}
	return broker.ConnectionInfo{}, false
}

// Active returns the active broker. ok is false when none is configured.
func (c Config) Active() (broker.ConnectionInfo, bool) {
	if c.ActiveBroker == "" {
		return broker.ConnectionInfo{}, false
	}
	return c.Broker(c.ActiveBroker)
}

// Validate checks the configuration for values rtvs cannot use.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Brokers))
	for i, b := range c.Brokers {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("brokers[%d]: %w", i, err)
		}
		if seen[b.Name] {
			return fmt.Errorf("brokers[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	if c.ActiveBroker != "" && !seen[c.ActiveBroker] {
		return fmt.Errorf("active_broker %q is not in brokers", c.ActiveBroker)
	}

	if c.Host.Name == "" {
		return errors.New("host.name is required")
	}
	if c.Host.StartTimeout < 0 {
		return fmt.Errorf("host.start_timeout must not be negative, got %v", c.Host.StartTimeout)
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > protocol.MaxBlobChunk {
		return fmt.Errorf("transfer.chunk_size must be between 1 and %d, got %d", protocol.MaxBlobChunk, c.Transfer.ChunkSize)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %v", c.Cache.TTL)
	}
	if c.Storage.DBPath != "" && !filepath.IsAbs(c.Storage.DBPath) {
		return fmt.Errorf("storage.db_path must be an absolute path, got %q", c.Storage.DBPath)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks the tracing section.
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	switch t.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}

	if t.Enabled {
		if t.Exporter == tracing.ExporterFile && t.FilePath == "" {
			return errors.New("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
			return errors.New("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// SetDefaults registers Defaults() with v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("host.name", d.Host.Name)
	v.SetDefault("host.interactive", d.Host.Interactive)
	v.SetDefault("host.cran_mirror", d.Host.CRANMirror)
	v.SetDefault("host.start_timeout", d.Host.StartTimeout)
	v.SetDefault("transfer.chunk_size", d.Transfer.ChunkSize)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Resolve returns the config file to use. Lookup order:
//  1. explicit (the --config flag)
//  2. .rtvs/config.yaml in the working directory
//  3. ~/.config/rtvs/config.yaml
//
// When none exists the user path is returned so it can be created.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(LocalConfigPath); err == nil {
		return LocalConfigPath
	}
	if dir := DefaultConfigDir(); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return LocalConfigPath
}

// Load reads path into a Config on top of Defaults(). A missing file is not
// an error. Environment variables RTVS_<KEY> override file values.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("rtvs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		log.Debug(log.CatConfig, "no config file, using defaults", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigTemplate returns the commented config written on first run.
func DefaultConfigTemplate() string {
	return `# rtvs configuration

# Name of the broker sessions use. Must match an entry in brokers.
# active_broker: local

# Brokers rtvs can switch between.
# Local brokers launch the host executable found at uri.
# Remote brokers (http, https, ws, wss) connect to a broker service; the
# password is read from RTVS_BROKER_PASSWORD.
brokers:
  # - name: local
  #   uri: /usr/lib/R
  # - name: lab
  #   uri: https://rbroker.example.com:5444
  #   user: alice

# R host startup
host:
  name: rtvs
  interactive: true
  cran_mirror: https://cloud.r-project.org
  # code_page: 65001
  # working_directory: /home/alice/project
  start_timeout: 30s

# Blob transfer
transfer:
  chunk_size: 1048576

# Evaluation result cache (0 disables)
cache:
  ttl: 1m

# Saved connections database (default: ~/.config/rtvs/rtvs.db)
# storage:
#   db_path: /home/alice/.config/rtvs/rtvs.db

# Distributed tracing
tracing:
  enabled: false
  exporter: file # none, file, stdout, otlp
  # file_path: /home/alice/.config/rtvs/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Prometheus endpoint (empty disables)
# metrics:
#   addr: localhost:9464
`
}

// WriteDefaultConfig writes DefaultConfigTemplate() to configPath, creating
// parent directories.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
