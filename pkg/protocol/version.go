package protocol

// VersionInfo describes an agent build: its version string and the set of
// capabilities it serves. The zero value is an empty, unknown version.
// Values are immutable; accessors return copies.
type VersionInfo struct {
	version string
	caps    map[Capability]struct{}
}

// NewVersionInfo builds a VersionInfo. Duplicate capabilities collapse.
func NewVersionInfo(version string, caps ...Capability) VersionInfo {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return VersionInfo{version: version, caps: set}
}

// Version returns the version string.
func (v VersionInfo) Version() string { return v.version }

// Capabilities returns the capability set as a sorted slice.
func (v VersionInfo) Capabilities() []Capability {
	out := make([]Capability, 0, len(v.caps))
	for c := range v.caps {
		out = append(out, c)
	}
	sortCapabilities(out)
	return out
}

// Supports reports whether every capability in want is advertised.
func (v VersionInfo) Supports(want ...Capability) bool {
	for _, c := range want {
		if _, ok := v.caps[c]; !ok {
			return false
		}
	}
	return true
}

// Compatible is an exact match on the version string. There is no range
// matching: any difference means the agent has to be redeployed.
func (v VersionInfo) Compatible(expected string) bool {
	return v.version != "" && v.version == expected
}

// Equal reports whether both the version and capability sets match.
func (v VersionInfo) Equal(o VersionInfo) bool {
	if v.version != o.version || len(v.caps) != len(o.caps) {
		return false
	}
	return v.Supports(o.Capabilities()...)
}

func (v VersionInfo) String() string {
	if v.version == "" {
		return "<unknown>"
	}
	return v.version
}
