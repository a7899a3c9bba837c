package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")

	cfg := DefaultConfig()
	cfg.Agent.Version = "1.2.0"
	cfg.Agent.DistDir = "/opt/slarti/dist"
	cfg.Agent.ProbeTimeout = 1500 * time.Millisecond
	cfg.SSH.IdentityFile = "/home/me/.ssh/id_ed25519"
	cfg.SSH.Options = []string{"Port=2222"}
	cfg.Discovery.Parallelism = 8
	require.NoError(t, Save(cfg, path))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  version: 0.9.0\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.9.0", cfg.Agent.Version)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Agent.ProbeTimeout)
	assert.Equal(t, "ssh", cfg.SSH.Binary)
	assert.Equal(t, 4, cfg.Discovery.Parallelism)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  version: 0.9.0\n"), 0o600))

	t.Setenv("SLARTI_AGENT_VERSION", "2.0.0")
	t.Setenv("SLARTI_AGENT_PROBE_TIMEOUT", "5s")
	t.Setenv("SLARTI_DISCOVERY_PARALLELISM", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", cfg.Agent.Version)
	assert.Equal(t, 5*time.Second, cfg.Agent.ProbeTimeout)
	assert.Equal(t, 16, cfg.Discovery.Parallelism)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("agent: [unterminated\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no version", mutate: func(c *Config) { c.Agent.Version = "" }, wantErr: "agent.version"},
		{name: "zero probe timeout", mutate: func(c *Config) { c.Agent.ProbeTimeout = 0 }, wantErr: "probe_timeout"},
		{name: "release url without target", mutate: func(c *Config) { c.Agent.ReleaseURL = "https://example.com/{version}" }, wantErr: "{target}"},
		{name: "release url ok", mutate: func(c *Config) { c.Agent.ReleaseURL = "https://example.com/{version}/{target}.tar.gz" }},
		{name: "no ssh binary", mutate: func(c *Config) { c.SSH.Binary = "" }, wantErr: "ssh.binary"},
		{name: "sub-second connect timeout", mutate: func(c *Config) { c.SSH.ConnectTimeout = 500 * time.Millisecond }, wantErr: "connect_timeout"},
		{name: "no parallelism", mutate: func(c *Config) { c.Discovery.Parallelism = 0 }, wantErr: "parallelism"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
