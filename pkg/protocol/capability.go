package protocol

import "sort"

// Capability identifies one discovery operation an agent may serve.
type Capability string

const (
	CapSysInfo          Capability = "sys_info"
	CapStaticConfig     Capability = "static_config"
	CapServicesList     Capability = "services_list"
	CapContainersList   Capability = "containers_list"
	CapNetListeners     Capability = "net_listeners"
	CapProcessesSummary Capability = "processes_summary"
	CapListDir          Capability = "list_dir"

	// Reserved for streaming operations. Never served in v1.
	CapMetricsStream Capability = "metrics_stream"
	CapLogsStream    Capability = "logs_stream"
)

var knownCapabilities = map[Capability]struct{}{
	CapSysInfo:          {},
	CapStaticConfig:     {},
	CapServicesList:     {},
	CapContainersList:   {},
	CapNetListeners:     {},
	CapProcessesSummary: {},
	CapListDir:          {},
	CapMetricsStream:    {},
	CapLogsStream:       {},
}

// Known reports whether c is part of this protocol revision's vocabulary.
// Unknown tags still decode; they are treated as unsupported.
func (c Capability) Known() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// Reserved reports whether c is held back for a future streaming operation.
func (c Capability) Reserved() bool {
	return c == CapMetricsStream || c == CapLogsStream
}

// DiscoveryBattery returns the fixed v1 discovery batch in issue order.
func DiscoveryBattery() []Capability {
	return []Capability{
		CapSysInfo,
		CapStaticConfig,
		CapServicesList,
		CapContainersList,
		CapNetListeners,
		CapProcessesSummary,
	}
}

func sortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}
