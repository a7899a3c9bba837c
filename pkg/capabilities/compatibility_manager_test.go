package capabilities

import (
	"testing"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestCompatibilityManager_CheckCompatibility(t *testing.T) {
	cm := NewCompatibilityManager()
	battery := protocol.DiscoveryBattery()

	tests := []struct {
		name       string
		expected   string
		required   []protocol.Capability
		agent      protocol.VersionInfo
		compatible bool
		reason     string
		missing    []protocol.Capability
	}{
		{
			name:       "same_version_full_battery",
			expected:   "1.2.0",
			required:   battery,
			agent:      protocol.NewVersionInfo("1.2.0", battery...),
			compatible: true,
			reason:     "compatible",
		},
		{
			name:     "patch_difference_is_mismatch",
			expected: "1.2.0",
			agent:    protocol.NewVersionInfo("1.2.1", battery...),
			reason:   "version mismatch",
		},
		{
			name:     "unknown_agent_version",
			expected: "1.2.0",
			agent:    protocol.VersionInfo{},
			reason:   "version mismatch",
		},
		{
			name:     "missing_capability",
			expected: "1.2.0",
			required: []protocol.Capability{protocol.CapSysInfo, protocol.CapContainersList},
			agent:    protocol.NewVersionInfo("1.2.0", protocol.CapSysInfo),
			reason:   "missing capabilities",
			missing:  []protocol.Capability{protocol.CapContainersList},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cm.CheckCompatibility(tt.expected, tt.required, tt.agent)
			assert.Equal(t, tt.compatible, result.Compatible)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, tt.missing, result.Missing)
			assert.Equal(t, tt.expected, result.Details["expected_version"])
		})
	}
}

func TestCompatibilityManager_IsVersionCompatible(t *testing.T) {
	cm := NewCompatibilityManager()

	tests := []struct {
		expected, agent string
		want            bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
		{"1.0.0", "1.1.0", false},
		{"1.0.0", "v1.0.0", false},
		{"", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cm.IsVersionCompatible(tt.expected, tt.agent), "%q vs %q", tt.expected, tt.agent)
	}
}

func TestCompatibilityManager_HasRequiredCapabilities(t *testing.T) {
	cm := NewCompatibilityManager()
	agent := protocol.NewVersionInfo("1.0.0", protocol.CapSysInfo, protocol.CapStaticConfig)

	assert.True(t, cm.HasRequiredCapabilities(agent, nil))
	assert.True(t, cm.HasRequiredCapabilities(agent, []protocol.Capability{protocol.CapSysInfo}))
	assert.False(t, cm.HasRequiredCapabilities(agent, []protocol.Capability{protocol.CapSysInfo, protocol.CapLogsStream}))
}
