package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"broker without uri", func(c *Config) {
			c.Brokers = []broker.ConnectionInfo{{Name: "x"}}
		}, "brokers[0]"},
		{"duplicate broker", func(c *Config) {
			c.Brokers = []broker.ConnectionInfo{{Name: "x", URI: "/a"}, {Name: "x", URI: "/b"}}
		}, "duplicate name"},
		{"unknown active broker", func(c *Config) {
			c.ActiveBroker = "lab"
		}, "active_broker"},
		{"empty host name", func(c *Config) { c.Host.Name = "" }, "host.name"},
		{"zero chunk size", func(c *Config) { c.Transfer.ChunkSize = 0 }, "chunk_size"},
		{"chunk larger than a frame", func(c *Config) { c.Transfer.ChunkSize = 16 << 20 }, "chunk_size"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "cache.ttl"},
		{"relative db path", func(c *Config) { c.Storage.DBPath = "rtvs.db" }, "db_path"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = tracing.ExporterOTLP
			c.Tracing.OTLPEndpoint = ""
		}, "otlp_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_Broker(t *testing.T) {
	t.Setenv(PasswordEnv, "s3cret")
	cfg := Config{
		ActiveBroker: "lab",
		Brokers: []broker.ConnectionInfo{
			{Name: "local", URI: "/usr/lib/R"},
			{Name: "lab", URI: "https://lab:5444", User: "alice"},
		},
	}

	local, ok := cfg.Broker("local")
	require.True(t, ok)
	require.Empty(t, local.Password, "local brokers take no password")

	active, ok := cfg.Active()
	require.True(t, ok)
	require.Equal(t, "s3cret", active.Password)
	require.Equal(t, "alice", active.User)

	_, ok = cfg.Broker("missing")
	require.False(t, ok)

	cfg.ActiveBroker = ""
	_, ok = cfg.Active()
	require.False(t, ok)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	require.Equal(t, "rtvs", cfg.Host.Name)
	require.Equal(t, 30*time.Second, cfg.Host.StartTimeout)
	require.Equal(t, 1<<20, cfg.Transfer.ChunkSize)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
active_broker: lab
brokers:
  - name: lab
    uri: wss://lab:5444
    user: alice
host:
  name: analysis
  code_page: 65001
  start_timeout: 5s
transfer:
  chunk_size: 4096
cache:
  ttl: 0s
metrics:
  addr: localhost:9464
`), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "lab", cfg.ActiveBroker)
	require.Equal(t, []broker.ConnectionInfo{{Name: "lab", URI: "wss://lab:5444", User: "alice"}}, cfg.Brokers)
	require.Equal(t, "analysis", cfg.Host.Name)
	require.Equal(t, 65001, cfg.Host.CodePage)
	require.True(t, cfg.Host.Interactive, "unset keys keep defaults")
	require.Equal(t, 5*time.Second, cfg.Host.StartTimeout)
	require.Equal(t, 4096, cfg.Transfer.ChunkSize)
	require.Zero(t, cfg.Cache.TTL)
	require.Equal(t, "localhost:9464", cfg.Metrics.Addr)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: [unclosed"), 0o600))

	_, err := Load(viper.New(), path)
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	require.Equal(t, "/etc/rtvs.yaml", Resolve("/etc/rtvs.yaml"))

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	require.Equal(t, filepath.Join(dir, ".config", "rtvs", "config.yaml"), Resolve(""))

	require.NoError(t, os.MkdirAll(".rtvs", 0o750))
	require.NoError(t, os.WriteFile(LocalConfigPath, nil, 0o600))
	require.Equal(t, LocalConfigPath, Resolve(""))
}

func TestWriteDefaultConfig_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Empty(t, cfg.Brokers)
	require.Equal(t, time.Minute, cfg.Cache.TTL)
}
