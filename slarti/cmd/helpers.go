package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/grenade/slarti/pkg/deploy"
	"github.com/grenade/slarti/pkg/hoststate"
	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/grenade/slarti/pkg/utils"
	"github.com/grenade/slarti/slarti/config"
	"github.com/spf13/cobra"
)

// newClient builds the transport. Tests swap it for an in-memory client.
var newClient = func(cfg transport.Config) transport.Client {
	return transport.NewSSHClient(cfg)
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func getHomeDir() (string, error) {
	if homeDir != "" {
		return homeDir, nil
	}
	return config.DefaultHome()
}

func configPath(home string) string {
	return filepath.Join(home, config.DefaultConfigFile)
}

// env is everything a command needs to reach hosts.
type env struct {
	home    string
	cfg     *config.Config
	client  transport.Client
	store   *hoststate.FileStore
	manager *deploy.Manager
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	home, err := getHomeDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath(home))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	store, err := hoststate.NewFileStore(filepath.Join(home, "hosts"))
	if err != nil {
		return nil, err
	}

	var artOpts []deploy.ArtifactOption
	if cfg.Agent.DistDir != "" {
		artOpts = append(artOpts, deploy.WithDistDir(cfg.Agent.DistDir))
	}
	if cfg.Agent.ReleaseURL != "" {
		artOpts = append(artOpts, deploy.WithReleaseURL(cfg.Agent.ReleaseURL))
	}
	artifacts := deploy.NewArtifactStore(filepath.Join(home, "artifacts"), artOpts...)

	client := newClient(transportConfig(cfg))

	required := make([]protocol.Capability, 0, len(cfg.Agent.Required))
	for _, c := range cfg.Agent.Required {
		required = append(required, protocol.Capability(c))
	}
	out := cmd.ErrOrStderr()
	mgr, err := deploy.NewManager(client, store, artifacts, deploy.Config{
		Version:        cfg.Agent.Version,
		Required:       required,
		ProbeTimeout:   cfg.Agent.ProbeTimeout,
		CommandTimeout: cfg.Agent.CmdTimeout,
	}, deploy.WithObserver(func(alias string, s deploy.State) {
		if debug {
			dimColor.Fprintf(out, "  %s: %s\n", alias, s)
		}
	}))
	if err != nil {
		return nil, err
	}

	return &env{home: home, cfg: cfg, client: client, store: store, manager: mgr}, nil
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig()
	tc.SSHBinary = cfg.SSH.Binary
	tc.ConfigFile = cfg.SSH.ConfigFile
	tc.IdentityFile = cfg.SSH.IdentityFile
	tc.ForwardAgent = cfg.SSH.ForwardAgent
	tc.ConnectTimeout = cfg.SSH.ConnectTimeout
	tc.StrictHostKeyChecking = cfg.SSH.StrictHostKeys
	tc.ExtraOptions = cfg.SSH.Options
	tc.DisableRsync = cfg.SSH.DisableRsync
	return tc
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelWarn
	switch {
	case debug:
		level = slog.LevelDebug
	case strings.EqualFold(cfg.LogLevel, "debug"):
		level = slog.LevelDebug
	case strings.EqualFold(cfg.LogLevel, "info"):
		level = slog.LevelInfo
	case strings.EqualFold(cfg.LogLevel, "error"):
		level = slog.LevelError
	}
	logtrace.Setup("slarti", "dev", level)
}

// consentMode decides what happens when a host needs a deployment.
type consentMode int

const (
	consentAsk consentMode = iota
	consentYes
	consentNo
)

func consentFromFlags(yes, noDeploy bool) (consentMode, error) {
	switch {
	case yes && noDeploy:
		return consentAsk, fmt.Errorf("--yes and --no-deploy cannot be used together")
	case yes:
		return consentYes, nil
	case noDeploy:
		return consentNo, nil
	}
	return consentAsk, nil
}

// askMu serializes prompts when several hosts are connected at once.
var askMu sync.Mutex

// confirmDeploy is replaced in tests.
var confirmDeploy = func(message, help string) (bool, error) {
	if !isTerminal() {
		return false, fmt.Errorf("cannot ask for consent without a terminal; use --yes or --no-deploy")
	}
	askMu.Lock()
	defer askMu.Unlock()
	var ok bool
	prompt := &survey.Confirm{Message: message, Help: help, Default: false}
	err := survey.AskOne(prompt, &ok)
	return ok, err
}

// ensureAgent connects to alias, deploying the agent first when the host
// needs one and consent allows it.
func (e *env) ensureAgent(ctx context.Context, w io.Writer, alias string, mode consentMode) (*deploy.Connection, error) {
	conn, err := e.manager.Connect(ctx, alias)
	if err == nil {
		return conn, nil
	}
	nd, ok := deploy.AsNeedsDeployment(err)
	if !ok {
		return nil, err
	}

	switch mode {
	case consentNo:
		return nil, fmt.Errorf("%w (deployment refused by --no-deploy)", nd)
	case consentAsk:
		msg, help := consentPrompt(nd, e.manager.Version())
		approved, err := confirmDeploy(msg, help)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, fmt.Errorf("%w (deployment declined)", nd)
		}
	}

	fmt.Fprintf(w, "Deploying slarti-agent %s to %s...\n", e.manager.Version(), alias)
	return e.manager.Deploy(ctx, alias)
}

func consentPrompt(nd *deploy.NeedsDeployment, want string) (string, string) {
	where := nd.RemotePath
	if !filepath.IsAbs(where) {
		where = "~/" + where
	}
	help := fmt.Sprintf("The agent is copied to %s and runs only while slarti is connected.", where)
	if nd.Reason == deploy.ReasonIncompatible && nd.Found != nil {
		have := nd.Found.Version()
		verb := "Replace"
		switch utils.CompareVersions(have, want) {
		case -1:
			verb = "Upgrade"
		case 1:
			verb = "Downgrade"
		}
		return fmt.Sprintf("%s runs slarti-agent %s, but %s is required. %s it?", nd.Alias, have, want, verb), help
	}
	if nd.Reason == deploy.ReasonIncompatible {
		return fmt.Sprintf("%s has an unusable slarti-agent (%s). Replace it with %s?", nd.Alias, nd.Detail, want), help
	}
	return fmt.Sprintf("slarti-agent %s is not installed on %s. Deploy it now?", want, nd.Alias), help
}

// printError writes err with a hint about what to try next.
func printError(w io.Writer, alias string, err error) {
	failColor.Fprintf(w, "✗ %s: %v\n", alias, err)
	printHint(w, err)
}

func printHint(w io.Writer, err error) {
	if hint := hintFor(err); hint != "" {
		dimColor.Fprintf(w, "  %s\n", hint)
	}
}

func hintFor(err error) string {
	switch {
	case transport.IsKind(err, transport.Unreachable):
		return "The host did not answer. Check the network or VPN and retry."
	case transport.IsKind(err, transport.AuthFailed):
		return "SSH refused our credentials. Load your key into ssh-agent or set ssh.identity_file, then retry."
	case transport.IsKind(err, transport.Timeout):
		return "The operation timed out. Retry, or raise the timeouts in config.yml."
	case deploy.IsKind(err, deploy.ArtifactUnavailable):
		return "No agent binary for this platform. Set agent.dist_dir or agent.release_url."
	}
	if nd, ok := deploy.AsNeedsDeployment(err); ok {
		return fmt.Sprintf("Run `slarti deploy %s` to install the agent.", nd.Alias)
	}
	return ""
}

// commandContext is cancelled on interrupt. A deploy cut short this way
// leaves no success record behind.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func isTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
