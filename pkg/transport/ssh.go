package transport

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SSHClient implements Client by shelling out to ssh, rsync and scp.
type SSHClient struct {
	cfg Config
}

// NewSSHClient returns a client bound to cfg. Clients hold no other state
// and are safe for concurrent use across hosts.
func NewSSHClient(cfg Config) *SSHClient {
	return &SSHClient{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (c *SSHClient) Config() Config { return c.cfg }

// RunCommand implements Client.
func (c *SSHClient) RunCommand(ctx context.Context, host, command string, timeout time.Duration) (*CommandResult, error) {
	return c.run(ctx, "run", host, timeout, c.cfg.SSHBinary, c.cfg.sshArgs(host, command)...)
}

func (c *SSHClient) run(ctx context.Context, op, host string, timeout time.Duration, name string, args ...string) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitStatus: exitStatus(cmd, err)}

	logtrace.Debug(ctx, "ssh command finished", logtrace.Fields{
		logtrace.FieldModule:     "transport",
		logtrace.FieldMethod:     op,
		logtrace.FieldTarget:     host,
		logtrace.FieldExitStatus: res.ExitStatus,
		logtrace.FieldDuration:   time.Since(start).String(),
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, timeoutError(op, host, res.Stderr, ctxErr)
		}
		return res, errors.Wrapf(ctxErr, "%s %s", op, host)
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the binary itself could not be started
		return res, &Error{Kind: Unreachable, Host: host, Op: op, ExitStatus: -1, Err: err}
	}
	return res, newError(op, host, res.ExitStatus, res.Stderr, err)
}

func exitStatus(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// killGroup kills ssh and anything it spawned (ProxyCommand, control
// masters started on demand).
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
