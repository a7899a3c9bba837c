// Package probes gathers the read-only host facts the agent serves.
package probes

import (
	"context"
	"os"
	"os/exec"

	"github.com/grenade/slarti/agent/service"
	"github.com/grenade/slarti/pkg/capabilities"
	"github.com/grenade/slarti/pkg/protocol"
)

// Runner executes a local command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Prober holds the seams the probes read the host through.
type Prober struct {
	run      Runner
	lookPath func(string) (string, error)
	readFile func(string) ([]byte, error)
	readDir  func(string) ([]os.DirEntry, error)
	homeDir  func() (string, error)

	extraBaseline map[string][]string
}

// New returns a Prober reading the live host.
func New(cfg *capabilities.CapabilityConfig) *Prober {
	p := &Prober{
		run:      runCommand,
		lookPath: exec.LookPath,
		readFile: os.ReadFile,
		readDir:  os.ReadDir,
		homeDir:  os.UserHomeDir,
	}
	if cfg != nil {
		p.extraBaseline = cfg.ExtraBaseline
	}
	return p
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Handlers returns the handler table for every capability this build
// serves, minus those the config disables.
func (p *Prober) Handlers(cfg *capabilities.CapabilityConfig) map[protocol.Capability]service.Handler {
	all := map[protocol.Capability]service.Handler{
		protocol.CapSysInfo:          p.SysInfo,
		protocol.CapStaticConfig:     p.StaticConfig,
		protocol.CapServicesList:     p.ServicesList,
		protocol.CapContainersList:   p.ContainersList,
		protocol.CapNetListeners:     p.NetListeners,
		protocol.CapProcessesSummary: p.ProcessesSummary,
		protocol.CapListDir:          p.ListDir,
	}

	caps := make([]protocol.Capability, 0, len(all))
	for c := range all {
		caps = append(caps, c)
	}
	out := make(map[protocol.Capability]service.Handler, len(all))
	for _, c := range cfg.Filter(caps) {
		out[c] = all[c]
	}
	return out
}

func unavailable(reason string) error {
	return &protocol.Failure{Code: protocol.FailureUnavailable, Reason: reason}
}
