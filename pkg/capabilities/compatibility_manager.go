package capabilities

import (
	"github.com/grenade/slarti/pkg/protocol"
)

// CompatibilityManagerImpl implements the CompatibilityManager interface
type CompatibilityManagerImpl struct{}

// NewCompatibilityManager creates a new CompatibilityManager instance
func NewCompatibilityManager() CompatibilityManager {
	return &CompatibilityManagerImpl{}
}

// CheckCompatibility reports a version mismatch first, then any missing
// capability.
func (cm *CompatibilityManagerImpl) CheckCompatibility(expectedVersion string, required []protocol.Capability, agent protocol.VersionInfo) *CompatibilityResult {
	details := map[string]interface{}{
		"expected_version": expectedVersion,
		"agent_version":    agent.Version(),
	}

	if !cm.IsVersionCompatible(expectedVersion, agent.Version()) {
		return &CompatibilityResult{
			Compatible: false,
			Reason:     "version mismatch",
			Details:    details,
		}
	}

	var missing []protocol.Capability
	for _, c := range required {
		if !agent.Supports(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &CompatibilityResult{
			Compatible: false,
			Reason:     "missing capabilities",
			Missing:    missing,
			Details:    details,
		}
	}

	return &CompatibilityResult{
		Compatible: true,
		Reason:     "compatible",
		Details:    details,
	}
}

// IsVersionCompatible is an exact match; range compatibility is
// deliberately not supported.
func (cm *CompatibilityManagerImpl) IsVersionCompatible(expectedVersion, agentVersion string) bool {
	return expectedVersion != "" && expectedVersion == agentVersion
}

// HasRequiredCapabilities checks if the agent advertises all required capabilities
func (cm *CompatibilityManagerImpl) HasRequiredCapabilities(agent protocol.VersionInfo, required []protocol.Capability) bool {
	return agent.Supports(required...)
}
