package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to upper-cased keys for environment overrides,
	// e.g. SLARTI_AGENT_VERSION or SLARTI_SSH_IDENTITY_FILE.
	EnvPrefix = "SLARTI"

	DefaultHomeDir    = ".slarti"
	DefaultConfigFile = "config.yml"
)

// Config represents the slarti configuration
type Config struct {
	Agent     AgentConfig     `yaml:"agent" mapstructure:"agent"`
	SSH       SSHConfig       `yaml:"ssh" mapstructure:"ssh"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	LogLevel  string          `yaml:"log_level" mapstructure:"log_level"`
}

// AgentConfig describes which agent is expected and where its binaries come from
type AgentConfig struct {
	Version      string        `yaml:"version" mapstructure:"version"`                 // Exact agent version required on hosts
	DistDir      string        `yaml:"dist_dir" mapstructure:"dist_dir"`               // Local build output, <dist>/<target>/slarti-agent
	ReleaseURL   string        `yaml:"release_url" mapstructure:"release_url"`         // Download template with {version} and {target}
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`     // Wait for the agent's first message
	Required     []string      `yaml:"required,omitempty" mapstructure:"required"`     // Capabilities an agent must advertise
	CmdTimeout   time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"` // Each short remote command
}

// SSHConfig is passed to every ssh, scp and rsync invocation
type SSHConfig struct {
	Binary         string        `yaml:"binary" mapstructure:"binary"`
	ConfigFile     string        `yaml:"config_file,omitempty" mapstructure:"config_file"`
	IdentityFile   string        `yaml:"identity_file,omitempty" mapstructure:"identity_file"`
	ForwardAgent   bool          `yaml:"forward_agent" mapstructure:"forward_agent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	StrictHostKeys string        `yaml:"strict_host_key_checking" mapstructure:"strict_host_key_checking"`
	Options        []string      `yaml:"options,omitempty" mapstructure:"options"`
	DisableRsync   bool          `yaml:"disable_rsync" mapstructure:"disable_rsync"`
}

// DiscoveryConfig contains discovery run settings
type DiscoveryConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	Parallelism    int           `yaml:"parallelism" mapstructure:"parallelism"` // Hosts discovered at once
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Version:      "dev",
			ProbeTimeout: 2 * time.Second,
			CmdTimeout:   30 * time.Second,
		},
		SSH: SSHConfig{
			Binary:         "ssh",
			ConnectTimeout: 10 * time.Second,
			StrictHostKeys: "accept-new",
		},
		Discovery: DiscoveryConfig{
			RequestTimeout: 30 * time.Second,
			Parallelism:    4,
		},
		LogLevel: "info",
	}
}

// DefaultHome returns ~/.slarti.
func DefaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultHomeDir), nil
}

// Load reads configuration from path, falling back to defaults for
// anything unset. A missing file is not an error. SLARTI_* environment
// variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent.version", d.Agent.Version)
	v.SetDefault("agent.dist_dir", d.Agent.DistDir)
	v.SetDefault("agent.release_url", d.Agent.ReleaseURL)
	v.SetDefault("agent.probe_timeout", d.Agent.ProbeTimeout)
	v.SetDefault("agent.command_timeout", d.Agent.CmdTimeout)
	v.SetDefault("ssh.binary", d.SSH.Binary)
	v.SetDefault("ssh.config_file", d.SSH.ConfigFile)
	v.SetDefault("ssh.identity_file", d.SSH.IdentityFile)
	v.SetDefault("ssh.forward_agent", d.SSH.ForwardAgent)
	v.SetDefault("ssh.connect_timeout", d.SSH.ConnectTimeout)
	v.SetDefault("ssh.strict_host_key_checking", d.SSH.StrictHostKeys)
	v.SetDefault("ssh.disable_rsync", d.SSH.DisableRsync)
	v.SetDefault("discovery.request_timeout", d.Discovery.RequestTimeout)
	v.SetDefault("discovery.parallelism", d.Discovery.Parallelism)
	v.SetDefault("log_level", d.LogLevel)
}

// Save writes configuration to a file
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.Version == "" {
		return fmt.Errorf("agent.version is required")
	}
	if c.Agent.ProbeTimeout <= 0 {
		return fmt.Errorf("agent.probe_timeout must be positive")
	}
	if c.Agent.CmdTimeout <= 0 {
		return fmt.Errorf("agent.command_timeout must be positive")
	}
	if c.Agent.ReleaseURL != "" && !strings.Contains(c.Agent.ReleaseURL, "{target}") {
		return fmt.Errorf("agent.release_url must contain {target}")
	}
	if c.SSH.Binary == "" {
		return fmt.Errorf("ssh.binary is required")
	}
	if c.SSH.ConnectTimeout < time.Second {
		return fmt.Errorf("ssh.connect_timeout must be at least 1s")
	}
	if c.Discovery.Parallelism < 1 {
		return fmt.Errorf("discovery.parallelism must be at least 1")
	}
	if c.Discovery.RequestTimeout <= 0 {
		return fmt.Errorf("discovery.request_timeout must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	return nil
}
