package probes

import (
	"context"
	"sort"
	"syscall"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// NetListeners answers net_listeners. Process names are only resolvable
// for sockets the agent's user can see; others are reported without one.
func (p *Prober) NetListeners(ctx context.Context, _ protocol.Request) (interface{}, error) {
	conns, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, errors.Wrap(err, "list sockets")
	}
	return protocol.NetListeners{Listeners: listeners(ctx, conns)}, nil
}

func listeners(ctx context.Context, conns []net.ConnectionStat) []protocol.Listener {
	names := map[int32]string{}
	seen := map[protocol.Listener]bool{}
	out := []protocol.Listener{}

	for _, c := range conns {
		var proto string
		switch {
		case c.Type == syscall.SOCK_STREAM && c.Status == "LISTEN":
			proto = "tcp"
		case c.Type == syscall.SOCK_DGRAM && c.Raddr.IP == "" && c.Raddr.Port == 0:
			proto = "udp"
		default:
			continue
		}
		if c.Family == syscall.AF_INET6 {
			proto += "6"
		}

		l := protocol.Listener{Protocol: proto, Address: c.Laddr.IP, Port: c.Laddr.Port, PID: c.Pid}
		if c.Pid > 0 {
			name, ok := names[c.Pid]
			if !ok {
				if proc, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
					name, _ = proc.NameWithContext(ctx)
				}
				names[c.Pid] = name
			}
			l.Process = name
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Address < out[j].Address
	})
	return out
}
