package probes

import (
	"bufio"
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
)

// ServicesList answers services_list: every loaded service unit except
// the distribution baseline, which is reported by name in
// baseline_skipped rather than dropped.
func (p *Prober) ServicesList(ctx context.Context, _ protocol.Request) (interface{}, error) {
	if _, err := p.lookPath("systemctl"); err != nil {
		return nil, unavailable("systemctl not found; only systemd hosts are supported")
	}

	osRelease, _ := p.readFile("/etc/os-release")
	distro := detectDistro(osRelease)

	unitFiles, err := p.run(ctx, "systemctl", "list-unit-files", "--type=service", "--no-legend", "--no-pager")
	if err != nil {
		return nil, errors.Wrap(err, "systemctl list-unit-files")
	}
	units, err := p.run(ctx, "systemctl", "list-units", "--type=service", "--all", "--no-legend", "--no-pager", "--plain")
	if err != nil {
		return nil, errors.Wrap(err, "systemctl list-units")
	}

	all := parseUnits(units, parseUnitFiles(unitFiles))
	return filterBaseline(distro, all, baselineFor(distro, p.extraBaseline)), nil
}

// parseUnitFiles maps unit name to enabled state; nil means neither
// enabled nor disabled (static, masked, generated...).
func parseUnitFiles(out []byte) map[string]*bool {
	states := map[string]*bool{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		var enabled *bool
		switch f[1] {
		case "enabled", "enabled-runtime":
			v := true
			enabled = &v
		case "disabled":
			v := false
			enabled = &v
		}
		states[f[0]] = enabled
	}
	return states
}

// parseUnits reads `systemctl list-units --plain` rows:
// UNIT LOAD ACTIVE SUB DESCRIPTION...
func parseUnits(out []byte, enabled map[string]*bool) []protocol.ServiceInfo {
	var services []protocol.ServiceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(strings.TrimLeft(sc.Text(), "● *"))
		if len(f) < 4 || !strings.HasSuffix(f[0], ".service") {
			continue
		}
		services = append(services, protocol.ServiceInfo{
			Name:        f[0],
			ActiveState: f[2],
			SubState:    f[3],
			Description: strings.Join(f[4:], " "),
			Enabled:     enabled[f[0]],
		})
	}
	return services
}

func filterBaseline(distro string, all []protocol.ServiceInfo, baseline map[string]struct{}) protocol.ServicesList {
	res := protocol.ServicesList{
		Distribution: distro,
		Services:     []protocol.ServiceInfo{},
		BaselineSkipped: protocol.BaselineSkipped{
			Names: []string{},
		},
	}
	for _, svc := range all {
		if _, ok := baseline[svc.Name]; ok {
			res.BaselineSkipped.Names = append(res.BaselineSkipped.Names, svc.Name)
			continue
		}
		res.Services = append(res.Services, svc)
	}
	sort.Strings(res.BaselineSkipped.Names)
	sort.Slice(res.Services, func(i, j int) bool { return res.Services[i].Name < res.Services[j].Name })
	res.BaselineSkipped.Count = len(res.BaselineSkipped.Names)
	return res
}
