package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/grenade/slarti/pkg/discovery"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/sshcfg"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var (
	discoverAll      bool
	discoverJSON     bool
	discoverParallel int
	discoverYes      bool
	discoverNoDeploy bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover [alias...]",
	Short: "Run discovery on one or more hosts",
	Long: `Discover connects to each host (deploying the agent when needed and
allowed) and asks it for system info, static configuration, services,
containers, listening sockets and a process summary.

A capability that fails is reported as a warning; the others still run.

Example:
  slarti discover web1 db1
  slarti discover --all --no-deploy --json`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "Discover every alias in the ssh config")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print results as JSON")
	discoverCmd.Flags().IntVarP(&discoverParallel, "parallel", "p", 0, "Hosts to discover at once (default from config)")
	discoverCmd.Flags().BoolVarP(&discoverYes, "yes", "y", false, "Deploy without asking when needed")
	discoverCmd.Flags().BoolVar(&discoverNoDeploy, "no-deploy", false, "Skip hosts without a usable agent")
}

// syncWriter lets several host goroutines report progress on one stream.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	mode, err := consentFromFlags(discoverYes, discoverNoDeploy)
	if err != nil {
		return err
	}
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	aliases := args
	if discoverAll {
		tree, err := loadSSHConfig(e.cfg.SSH.ConfigFile)
		if err != nil {
			return err
		}
		aliases = tree.Aliases()
	}
	if len(aliases) == 0 {
		return fmt.Errorf("no hosts given; name aliases or use --all")
	}

	limit := e.cfg.Discovery.Parallelism
	if discoverParallel > 0 {
		limit = discoverParallel
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	progress := &syncWriter{w: cmd.ErrOrStderr()}
	dial := func(ctx context.Context, alias string) (discovery.Session, error) {
		conn, err := e.ensureAgent(ctx, progress, alias, mode)
		if err != nil {
			return nil, err
		}
		return conn.Conn, nil
	}

	orch := discovery.New(discovery.WithRequestTimeout(e.cfg.Discovery.RequestTimeout))
	results := orch.RunHosts(ctx, aliases, dial, limit)
	for _, hr := range results {
		if hr.Result != nil && hr.Result.SessionErr != nil {
			e.manager.MarkFailed(context.WithoutCancel(ctx), hr.Alias, hr.Result.SessionErr)
		}
	}

	out := cmd.OutOrStdout()
	if discoverJSON {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, hr := range results {
			printHostResult(out, hr)
		}
	}

	var failed int
	for _, hr := range results {
		if hr.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d hosts could not be discovered", failed, len(results))
	}
	return nil
}

func loadSSHConfig(path string) (*sshcfg.File, error) {
	var (
		tree *sshcfg.File
		err  error
	)
	if path != "" {
		tree, err = sshcfg.Load(path)
	} else {
		tree, err = sshcfg.LoadUser()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh config: %w", err)
	}
	return tree, nil
}

func printHostResult(w io.Writer, hr discovery.HostResult) {
	if hr.Err != nil {
		printError(w, hr.Alias, hr.Err)
		return
	}
	res := hr.Result
	okColor.Fprintf(w, "● %s", res.Alias)
	dimColor.Fprintf(w, " (agent %s)\n", res.AgentVersion)
	for _, c := range res.Order {
		o := res.Outcomes[c]
		took := dimColor.Sprintf("%6s", o.Duration.Round(time.Millisecond))
		if !o.OK() {
			fmt.Fprintf(w, "  %-18s %s %s\n", c, took, warnColor.Sprintf("%s: %s", o.Failure.Code, o.Failure.Reason))
			continue
		}
		fmt.Fprintf(w, "  %-18s %s %s\n", c, took, summarize(res, c))
	}
	if len(res.Warnings) > 0 {
		warnColor.Fprintf(w, "  %d warning(s)\n", len(res.Warnings))
		for _, warn := range res.Warnings {
			warnColor.Fprintf(w, "    %s\n", warn)
		}
	}
}

// summarize renders one line for a capability that returned a payload.
func summarize(res *discovery.Result, c protocol.Capability) string {
	switch c {
	case protocol.CapSysInfo:
		var v protocol.SysInfo
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		platform := strings.TrimSpace(v.Platform + " " + v.PlatformVersion)
		if platform == "" {
			platform = v.OS
		}
		up := time.Duration(v.UptimeSecs) * time.Second
		return fmt.Sprintf("%s, %s %s/%s, up %s, load %.2f", v.Hostname, platform, v.Kernel, v.Arch, humanUptime(up), v.LoadAvg[0])
	case protocol.CapStaticConfig:
		var v protocol.StaticConfig
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		s := fmt.Sprintf("%d cpu, %s memory", v.CPUCount, humanBytes(v.MemTotalBytes))
		if v.CPUModel != "" {
			s += ", " + v.CPUModel
		}
		if v.Virtualization != "" {
			s += ", " + v.Virtualization
		}
		return s
	case protocol.CapServicesList:
		var v protocol.ServicesList
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		var failedUnits []string
		for _, svc := range v.Services {
			if svc.ActiveState == "failed" {
				failedUnits = append(failedUnits, svc.Name)
			}
		}
		s := fmt.Sprintf("%d services beyond the %s baseline (%d skipped)", len(v.Services), v.Distribution, v.BaselineSkipped.Count)
		if len(failedUnits) > 0 {
			s += ", failed: " + strings.Join(failedUnits, " ")
		}
		return s
	case protocol.CapContainersList:
		var v protocol.ContainersList
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		running := 0
		for _, ct := range v.Containers {
			if ct.State == "running" {
				running++
			}
		}
		return fmt.Sprintf("%s: %d containers, %d running", v.Runtime, len(v.Containers), running)
	case protocol.CapNetListeners:
		var v protocol.NetListeners
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		ports := make([]string, 0, len(v.Listeners))
		seen := map[string]bool{}
		for _, l := range v.Listeners {
			p := fmt.Sprintf("%d/%s", l.Port, l.Protocol)
			if !seen[p] {
				seen[p] = true
				ports = append(ports, p)
			}
		}
		return fmt.Sprintf("%d listeners: %s", len(v.Listeners), strings.Join(ports, " "))
	case protocol.CapProcessesSummary:
		var v protocol.ProcessesSummary
		if err := res.Decode(c, &v); err != nil {
			return err.Error()
		}
		s := fmt.Sprintf("%d processes", v.Total)
		if len(v.TopCPU) > 0 {
			s += fmt.Sprintf(", busiest %s (%.1f%% cpu)", v.TopCPU[0].Name, v.TopCPU[0].CPUPercent)
		}
		return s
	}
	return "ok"
}

type jsonHost struct {
	Alias        string                                      `json:"alias"`
	Error        string                                      `json:"error,omitempty"`
	AgentVersion string                                      `json:"agent_version,omitempty"`
	Results      map[protocol.Capability]protocol.RawMessage `json:"results,omitempty"`
	Failures     map[protocol.Capability]*protocol.Failure   `json:"failures,omitempty"`
	Warnings     []string                                    `json:"warnings,omitempty"`
}

func printJSON(w io.Writer, results []discovery.HostResult) error {
	hosts := make([]jsonHost, 0, len(results))
	for _, hr := range results {
		h := jsonHost{Alias: hr.Alias}
		if hr.Err != nil {
			h.Error = hr.Err.Error()
			hosts = append(hosts, h)
			continue
		}
		h.AgentVersion = hr.Result.AgentVersion
		h.Warnings = hr.Result.Warnings
		for c, o := range hr.Result.Outcomes {
			if o.OK() {
				if h.Results == nil {
					h.Results = map[protocol.Capability]protocol.RawMessage{}
				}
				h.Results[c] = o.Payload
				continue
			}
			if h.Failures == nil {
				h.Failures = map[protocol.Capability]*protocol.Failure{}
			}
			h.Failures[c] = o.Failure
		}
		hosts = append(hosts, h)
	}
	data, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func humanUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		return fmt.Sprintf("%dd%dh", days, int(d.Hours())%24)
	}
	return d.Round(time.Minute).String()
}
