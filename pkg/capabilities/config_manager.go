package capabilities

import (
	"fmt"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/spf13/viper"
)

// LoadConfig reads a capabilities file. An empty path yields an empty
// config.
func LoadConfig(path string) (*CapabilityConfig, error) {
	if path == "" {
		return &CapabilityConfig{}, nil
	}

	// Configure viper to read the YAML file
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config CapabilityConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, name := range config.Disabled {
		if !protocol.Capability(name).Known() {
			return nil, fmt.Errorf("unknown capability %q in disabled list", name)
		}
	}

	return &config, nil
}

// Filter returns advertised without the capabilities the config disables.
func (c *CapabilityConfig) Filter(advertised []protocol.Capability) []protocol.Capability {
	if c == nil || len(c.Disabled) == 0 {
		return advertised
	}
	off := make(map[protocol.Capability]bool, len(c.Disabled))
	for _, name := range c.Disabled {
		off[protocol.Capability(name)] = true
	}
	out := make([]protocol.Capability, 0, len(advertised))
	for _, c := range advertised {
		if !off[c] {
			out = append(out, c)
		}
	}
	return out
}
