// Package deploy gets a compatible agent running on a host: it probes what
// is there, reports when a deployment is needed, and performs one when
// asked.
package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/grenade/slarti/pkg/agentclient"
	"github.com/grenade/slarti/pkg/capabilities"
	"github.com/grenade/slarti/pkg/hoststate"
	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

const (
	DefaultProbeTimeout   = 2 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// Config holds what the manager expects of an agent.
type Config struct {
	// Version is the exact agent version required.
	Version string
	// Required capabilities; an agent lacking any of them is incompatible.
	Required []protocol.Capability
	// ProbeTimeout bounds the wait for the agent's first message.
	ProbeTimeout time.Duration
	// CommandTimeout bounds each short remote command of a deployment.
	CommandTimeout time.Duration
}

// Connection is a handshaken agent ready for requests. Close it when done.
type Connection struct {
	Conn       *agentclient.Conn
	Alias      string
	Version    protocol.VersionInfo
	RemotePath string
	// Deployed is true when this connection followed a fresh deployment.
	Deployed bool
	// Sync is how the binary was copied, set only when Deployed.
	Sync *transport.SyncResult
}

// Close ends the agent session.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver reports state transitions to fn.
func WithObserver(fn StateObserver) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithCompatibility replaces the compatibility policy.
func WithCompatibility(cm capabilities.CompatibilityManager) Option {
	return func(m *Manager) { m.compat = cm }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs the Lookup, Probe, Decide, Deploy and Connected steps for
// a host alias. It is safe for concurrent use across aliases.
type Manager struct {
	client    transport.Client
	store     hoststate.Store
	artifacts Artifacts
	compat    capabilities.CompatibilityManager
	cfg       Config
	observer  StateObserver
	now       func() time.Time
}

// NewManager wires a manager. The expected version must be set.
func NewManager(client transport.Client, store hoststate.Store, artifacts Artifacts, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Version == "" {
		return nil, errors.New("deploy: expected agent version is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	m := &Manager{
		client:    client,
		store:     store,
		artifacts: artifacts,
		compat:    capabilities.NewCompatibilityManager(),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Version is the agent version this manager deploys and accepts.
func (m *Manager) Version() string { return m.cfg.Version }

// Connect returns a live connection when a compatible agent is already on
// the host. Otherwise it returns *NeedsDeployment without changing
// anything remotely. Transport failures are returned as *transport.Error.
// Any failed attempt marks an existing record as not seen ok.
func (m *Manager) Connect(ctx context.Context, alias string) (*Connection, error) {
	ctx = logtrace.CtxWithOrigin(ctx, "deploy.connect")

	m.enter(ctx, alias, Lookup)
	rec, err := m.lookup(alias)
	if err != nil {
		return nil, err
	}

	path := RemoteBinary(m.cfg.Version)
	if rec != nil && rec.RemotePath != "" {
		path = rec.RemotePath
	}

	m.enter(ctx, alias, Probe)
	conn, info, err := m.probe(ctx, alias, path)
	if err != nil {
		if nd := needsDeployment(alias, path, err); nd != nil {
			m.enter(ctx, alias, Decide)
			logtrace.Info(ctx, "agent needs deployment", logtrace.Fields{
				logtrace.FieldModule:     "deploy",
				logtrace.FieldAlias:      alias,
				logtrace.FieldRemotePath: path,
				logtrace.FieldStatus:     string(nd.Reason),
				logtrace.FieldError:      err.Error(),
			})
			m.markFailed(ctx, alias, nd)
			return nil, nd
		}
		m.markFailed(ctx, alias, err)
		return nil, err
	}

	m.enter(ctx, alias, Decide)
	if res := m.compat.CheckCompatibility(m.cfg.Version, m.cfg.Required, info); !res.Compatible {
		conn.Close()
		found := info
		nd := &NeedsDeployment{
			Alias:      alias,
			Reason:     ReasonIncompatible,
			RemotePath: path,
			Found:      &found,
			Detail:     res.Reason,
		}
		m.markFailed(ctx, alias, nd)
		return nil, nd
	}

	m.enter(ctx, alias, Connected)
	m.record(ctx, alias, func(r *hoststate.Record) {
		r.RemotePath = path
		r.MarkSeen(true, m.now(), nil)
	})
	return &Connection{Conn: conn, Alias: alias, Version: info, RemotePath: path}, nil
}

// Deploy installs the expected agent version on the host, verifies it and
// returns a connection to it. Deploying a version already present is safe.
func (m *Manager) Deploy(ctx context.Context, alias string) (*Connection, error) {
	ctx = logtrace.CtxWithOrigin(ctx, "deploy.deploy")

	conn, err := m.deploy(ctx, alias)
	if err != nil {
		m.markFailed(ctx, alias, err)
		return nil, err
	}
	return conn, nil
}

func (m *Manager) deploy(ctx context.Context, alias string) (*Connection, error) {
	version := m.cfg.Version
	fields := logtrace.Fields{
		logtrace.FieldModule:  "deploy",
		logtrace.FieldAlias:   alias,
		logtrace.FieldVersion: version,
	}
	fail := func(kind ErrorKind, msg string, err error) error {
		if terr := hostUnusable(err); terr != nil {
			return terr
		}
		return &Error{Kind: kind, Alias: alias, Version: version, Msg: msg, Err: err}
	}

	m.enter(ctx, alias, Lookup)
	if err := hoststate.ValidateAlias(alias); err != nil {
		return nil, err
	}

	m.enter(ctx, alias, Deploy)
	start := time.Now()

	uname, err := m.client.RunCommand(ctx, alias, "uname -sm", m.cfg.CommandTimeout)
	if err != nil {
		return nil, fail(ArtifactUnavailable, "detect remote platform", err)
	}
	target, err := TargetFromUname(uname.Stdout)
	if err != nil {
		return nil, fail(ArtifactUnavailable, "", err)
	}
	fields[logtrace.FieldTarget] = target

	artifact, err := m.artifacts.Resolve(ctx, target, version)
	if err != nil {
		return nil, fail(ArtifactUnavailable, "resolve "+target, err)
	}
	fields[logtrace.FieldLocalPath] = artifact.Path

	dir := RemoteDir(version)
	path := RemoteBinary(version)
	fields[logtrace.FieldRemotePath] = path

	mkdir := "umask 077 && mkdir -p " + shellquote.Join(dir) + " && chmod 700 " + shellquote.Join(dir)
	if _, err := m.client.RunCommand(ctx, alias, mkdir, m.cfg.CommandTimeout); err != nil {
		return nil, fail(PermissionSetupFailed, "create "+dir, err)
	}

	sync, err := m.client.SyncFile(ctx, alias, artifact.Path, path)
	if err != nil {
		return nil, fail(SyncFailed, "", err)
	}
	fields["sync_method"] = string(sync.Method)
	if sync.FallbackReason != "" {
		fields["fallback_reason"] = sync.FallbackReason
	}

	if _, err := m.client.RunCommand(ctx, alias, "chmod 700 "+shellquote.Join(path), m.cfg.CommandTimeout); err != nil {
		return nil, fail(PermissionSetupFailed, "chmod "+path, err)
	}

	m.verifyChecksum(ctx, alias, path, artifact.Checksum)

	conn, info, err := m.probe(ctx, alias, path)
	if err != nil {
		if transport.IsKind(err, transport.Unreachable) || transport.IsKind(err, transport.AuthFailed) {
			return nil, err
		}
		// a hung agent is a failed verification, not a slow host
		return nil, &Error{Kind: VerificationFailed, Alias: alias, Version: version,
			Msg: "deployed agent did not start", Err: err}
	}
	if res := m.compat.CheckCompatibility(version, m.cfg.Required, info); !res.Compatible {
		conn.Close()
		return nil, &Error{Kind: VerificationFailed, Alias: alias, Version: version,
			Msg: "deployed agent reports " + info.String() + ": " + res.Reason}
	}

	// A cancelled deploy must not be remembered as done.
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	m.enter(ctx, alias, Connected)
	now := m.now()
	m.record(ctx, alias, func(r *hoststate.Record) {
		r.MarkDeployed(version, path, artifact.Checksum, now)
		r.MarkSeen(true, now, nil)
	})

	fields[logtrace.FieldDuration] = time.Since(start).String()
	logtrace.Info(ctx, "agent deployed", fields)

	return &Connection{Conn: conn, Alias: alias, Version: info, RemotePath: path, Deployed: true, Sync: sync}, nil
}

// verifyChecksum compares the remote binary's own digest with the local
// one. A mismatch is logged, not fatal: the re-probe is the real check.
func (m *Manager) verifyChecksum(ctx context.Context, alias, path, want string) {
	fields := logtrace.Fields{
		logtrace.FieldModule:     "deploy",
		logtrace.FieldAlias:      alias,
		logtrace.FieldRemotePath: path,
		logtrace.FieldHashHex:    want,
	}
	res, err := m.client.RunCommand(ctx, alias, shellquote.Join(path, "--checksum"), m.cfg.CommandTimeout)
	if err != nil {
		fields[logtrace.FieldError] = err.Error()
		logtrace.Warn(ctx, "could not read remote agent checksum", fields)
		return
	}
	got := strings.TrimSpace(res.Stdout)
	if got != want {
		fields["remote_hash_hex"] = got
		logtrace.Warn(ctx, "remote agent checksum differs from local artifact", fields)
	}
}

// probe opens `<path> --stdio` and waits for the advertisement.
func (m *Manager) probe(ctx context.Context, alias, path string) (*agentclient.Conn, protocol.VersionInfo, error) {
	sess, err := m.client.OpenSession(ctx, alias, shellquote.Join(path, "--stdio"))
	if err != nil {
		return nil, protocol.VersionInfo{}, err
	}
	conn := agentclient.New(alias, sess)
	info, err := conn.AwaitHelloAck(ctx, m.cfg.ProbeTimeout)
	if err != nil {
		conn.Close()
		return nil, protocol.VersionInfo{}, err
	}
	logtrace.Debug(ctx, "agent answered", logtrace.Fields{
		logtrace.FieldModule:     "deploy",
		logtrace.FieldAlias:      alias,
		logtrace.FieldRemotePath: path,
		logtrace.FieldVersion:    info.Version(),
	})
	return conn, info, nil
}

// needsDeployment decides whether a failed probe means "put an agent
// there" rather than "the host is broken".
func needsDeployment(alias, path string, err error) *NeedsDeployment {
	if hostUnusable(err) != nil {
		return nil
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Kind == transport.CommandFailed {
		// 126 not executable or wrong format, 127 not found
		reason := ReasonIncompatible
		if terr.ExitStatus == 126 || terr.ExitStatus == 127 {
			reason = ReasonMissing
		}
		return &NeedsDeployment{Alias: alias, Reason: reason, RemotePath: path, Detail: terr.Error()}
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return &NeedsDeployment{Alias: alias, Reason: ReasonIncompatible, RemotePath: path, Detail: perr.Error()}
	}
	return nil
}

// hostUnusable returns the transport error when err means the host
// itself cannot be used right now.
func hostUnusable(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case transport.Unreachable, transport.AuthFailed, transport.Timeout:
			return terr
		}
	}
	return nil
}

func (m *Manager) lookup(alias string) (*hoststate.Record, error) {
	rec, err := m.store.Get(alias)
	if errors.Is(err, hoststate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load record for %s", alias)
	}
	return rec, nil
}

// record applies fn to the alias's record, creating it if needed. The
// record is a hint, so a failed write is logged and not returned.
func (m *Manager) record(ctx context.Context, alias string, fn func(*hoststate.Record)) {
	err := m.store.Update(alias, func(r *hoststate.Record, _ bool) error {
		fn(r)
		return nil
	})
	if err != nil {
		logtrace.Warn(ctx, "failed to save host record", logtrace.Fields{
			logtrace.FieldModule: "deploy",
			logtrace.FieldAlias:  alias,
			logtrace.FieldError:  err.Error(),
		})
	}
}

// markFailed sets lastSeenOk=false on an existing record. Hosts never
// seen before get no record from a failure.
// MarkFailed records that talking to alias failed after a connection was
// made. Hosts without a record are left alone.
func (m *Manager) MarkFailed(ctx context.Context, alias string, cause error) {
	m.markFailed(logtrace.CtxWithOrigin(ctx, "deploy.mark_failed"), alias, cause)
}

func (m *Manager) markFailed(ctx context.Context, alias string, cause error) {
	if hoststate.ValidateAlias(alias) != nil {
		return
	}
	err := m.store.Update(alias, func(r *hoststate.Record, found bool) error {
		if !found {
			return hoststate.ErrSkipWrite
		}
		r.MarkSeen(false, m.now(), cause)
		return nil
	})
	if err != nil {
		logtrace.Warn(ctx, "failed to save host record", logtrace.Fields{
			logtrace.FieldModule: "deploy",
			logtrace.FieldAlias:  alias,
			logtrace.FieldError:  err.Error(),
		})
	}
}

func (m *Manager) enter(ctx context.Context, alias string, s State) {
	logtrace.Debug(ctx, "deploy state", logtrace.Fields{
		logtrace.FieldModule: "deploy",
		logtrace.FieldAlias:  alias,
		logtrace.FieldState:  s.String(),
	})
	if m.observer != nil {
		m.observer(alias, s)
	}
}
