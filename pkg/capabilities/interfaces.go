package capabilities

import "github.com/grenade/slarti/pkg/protocol"

// CompatibilityManager decides whether a running agent can be used as-is.
type CompatibilityManager interface {
	// CheckCompatibility compares the agent's advertisement with the expected
	// version and the capabilities the caller needs.
	CheckCompatibility(expectedVersion string, required []protocol.Capability, agent protocol.VersionInfo) *CompatibilityResult

	// IsVersionCompatible is an exact string match.
	IsVersionCompatible(expectedVersion, agentVersion string) bool

	// HasRequiredCapabilities is a subset test.
	HasRequiredCapabilities(agent protocol.VersionInfo, required []protocol.Capability) bool
}
