package capabilities

import "github.com/grenade/slarti/pkg/protocol"

// CapabilityConfig is the optional agent-side capabilities file. It can
// switch capabilities off and extend the per-distribution baseline of
// services hidden from services_list.
type CapabilityConfig struct {
	Disabled      []string            `yaml:"disabled" mapstructure:"disabled"`
	ExtraBaseline map[string][]string `yaml:"extra_baseline" mapstructure:"extra_baseline"`
}

// CompatibilityResult is the outcome of checking an agent advertisement
// against what the client expects.
type CompatibilityResult struct {
	Compatible bool                   `json:"compatible"`
	Reason     string                 `json:"reason"`
	Missing    []protocol.Capability  `json:"missing,omitempty"`
	Details    map[string]interface{} `json:"details"`
}
