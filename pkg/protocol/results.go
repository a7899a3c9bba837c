package protocol

// SysInfo is the sys_info result.
type SysInfo struct {
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os"`
	Platform        string     `json:"platform,omitempty"`
	PlatformVersion string     `json:"platform_version,omitempty"`
	Kernel          string     `json:"kernel"`
	Arch            string     `json:"arch"`
	UptimeSecs      uint64     `json:"uptime_secs"`
	BootTime        uint64     `json:"boot_time,omitempty"`
	LoadAvg         [3]float64 `json:"load_avg"`
}

// StaticConfig is the static_config result.
type StaticConfig struct {
	OSRelease      string `json:"os_release,omitempty"`
	CPUModel       string `json:"cpu_model,omitempty"`
	CPUCount       int    `json:"cpu_count"`
	MemTotalBytes  uint64 `json:"mem_total_bytes"`
	SwapTotal      uint64 `json:"swap_total_bytes"`
	Virtualization string `json:"virtualization,omitempty"`
}

// ServiceInfo is one systemd service unit.
type ServiceInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// BaselineSkipped reports services hidden because they are standard for
// the detected distribution.
type BaselineSkipped struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// ServicesList is the services_list result.
type ServicesList struct {
	Distribution    string          `json:"distribution"`
	Services        []ServiceInfo   `json:"services"`
	BaselineSkipped BaselineSkipped `json:"baseline_skipped"`
}

// ContainerInfo is one container as reported by the runtime.
type ContainerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status,omitempty"`
	Ports  string `json:"ports,omitempty"`
}

// ContainersList is the containers_list result.
type ContainersList struct {
	Runtime    string          `json:"runtime"`
	Containers []ContainerInfo `json:"containers"`
}

// Listener is one listening socket.
type Listener struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Port     uint32 `json:"port"`
	PID      int32  `json:"pid,omitempty"`
	Process  string `json:"process,omitempty"`
}

// NetListeners is the net_listeners result.
type NetListeners struct {
	Listeners []Listener `json:"listeners"`
}

// ProcessStat is one entry of the process summary.
type ProcessStat struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	User       string  `json:"user,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// ProcessesSummary is the processes_summary result.
type ProcessesSummary struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
	TopCPU  []ProcessStat  `json:"top_cpu"`
	TopMem  []ProcessStat  `json:"top_mem"`
}

// ListDirParams are the list_dir request parameters.
type ListDirParams struct {
	Path string `json:"path"`
	Max  int    `json:"max,omitempty"`
	Skip int    `json:"skip,omitempty"`
}

// DirEntry is one list_dir entry.
type DirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  *int64 `json:"size,omitempty"`
}

// DirListing is the list_dir result.
type DirListing struct {
	Entries []DirEntry `json:"entries"`
	EOF     bool       `json:"eof"`
}
