package transport

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// syncTimeout bounds a single copy attempt; agent binaries are a few MiB.
const syncTimeout = 5 * time.Minute

// SyncFile implements Client.
func (c *SSHClient) SyncFile(ctx context.Context, host, localPath, remotePath string) (*SyncResult, error) {
	if _, err := os.Stat(localPath); err != nil {
		return nil, errors.Wrap(err, "sync source")
	}

	var fallback string
	if c.cfg.DisableRsync {
		fallback = "rsync disabled"
	} else if _, err := exec.LookPath(c.cfg.RsyncBinary); err != nil {
		fallback = "rsync not found locally"
	} else {
		_, err := c.run(ctx, "rsync", host, syncTimeout, c.cfg.RsyncBinary, c.rsyncArgs(host, localPath, remotePath)...)
		if err == nil {
			return &SyncResult{Method: SyncRsync}, nil
		}
		// A broken connection or auth failure will not be fixed by scp,
		// nor will a cancelled call.
		switch KindOf(err) {
		case Unreachable, AuthFailed, Timeout, "":
			return nil, err
		}
		fallback = err.Error()
	}

	logtrace.Info(ctx, "falling back to scp", logtrace.Fields{
		logtrace.FieldModule:     "transport",
		logtrace.FieldTarget:     host,
		logtrace.FieldRemotePath: remotePath,
		logtrace.FieldStatus:     fallback,
	})

	if _, err := c.run(ctx, "scp", host, syncTimeout, c.cfg.SCPBinary, c.scpArgs(host, localPath, remotePath)...); err != nil {
		return nil, err
	}
	return &SyncResult{Method: SyncSCP, FallbackReason: fallback}, nil
}

func (c *SSHClient) rsyncArgs(host, localPath, remotePath string) []string {
	rsh := shellquote.Join(append([]string{c.cfg.SSHBinary}, c.cfg.commonOptions()...)...)
	return []string{
		"-az",
		"--chmod=D700,F700",
		"--partial",
		"-e", rsh,
		localPath,
		host + ":" + remotePath,
	}
}

func (c *SSHClient) scpArgs(host, localPath, remotePath string) []string {
	args := append(c.cfg.commonOptions(), "-q", "-p")
	return append(args, localPath, host+":"+remotePath)
}
