package probes

import (
	"bufio"
	"bytes"
	"context"
	"runtime"
	"strings"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"
)

// SysInfo answers sys_info.
func (p *Prober) SysInfo(ctx context.Context, _ protocol.Request) (interface{}, error) {
	info := protocol.SysInfo{OS: runtime.GOOS, Arch: runtime.GOARCH}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = hi.Platform
		info.PlatformVersion = hi.PlatformVersion
		info.Kernel = hi.KernelVersion
		if hi.KernelArch != "" {
			info.Arch = hi.KernelArch
		}
		info.UptimeSecs = hi.Uptime
		info.BootTime = hi.BootTime
	} else {
		logtrace.Warn(ctx, "host info unavailable, falling back to uname", logtrace.Fields{
			logtrace.FieldModule: "probes",
			logtrace.FieldError:  err.Error(),
		})
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return nil, errors.Wrap(err, "uname")
		}
		info.Hostname = unix.ByteSliceToString(uts.Nodename[:])
		info.Kernel = unix.ByteSliceToString(uts.Release[:])
		info.Arch = unix.ByteSliceToString(uts.Machine[:])
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return info, nil
}

// StaticConfig answers static_config. Each field is best effort; only a
// host where nothing at all can be read is a failure.
func (p *Prober) StaticConfig(ctx context.Context, _ protocol.Request) (interface{}, error) {
	var cfg protocol.StaticConfig
	var errs []string

	if b, err := p.readFile("/etc/os-release"); err == nil {
		cfg.OSRelease = string(b)
	} else {
		errs = append(errs, err.Error())
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		cfg.CPUCount = n
	} else {
		errs = append(errs, err.Error())
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		cfg.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		cfg.MemTotalBytes = vm.Total
	} else {
		errs = append(errs, err.Error())
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		cfg.SwapTotal = sw.Total
	}

	if system, role, err := host.VirtualizationWithContext(ctx); err == nil && system != "" {
		cfg.Virtualization = system + "/" + role
	}

	if len(errs) == 3 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

// osReleaseFields parses KEY=value lines, unquoting values.
func osReleaseFields(data []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"'`)
	}
	return out
}
