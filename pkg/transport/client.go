package transport

import (
	"context"
	"io"
	"time"
)

// CommandResult is the outcome of a one-shot remote command.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// SyncMethod names the primitive a SyncFile call ended up using.
type SyncMethod string

const (
	SyncRsync SyncMethod = "rsync"
	SyncSCP   SyncMethod = "scp"
)

// SyncResult reports how a file reached the remote host.
type SyncResult struct {
	Method SyncMethod
	// FallbackReason is set when rsync was tried and abandoned.
	FallbackReason string
}

// Session is a bidirectional byte stream to a remote process. It does not
// know what flows over it.
type Session interface {
	io.Reader
	io.Writer

	// Close ends the remote process and releases local resources. Safe to
	// call more than once.
	Close() error

	// Wait blocks until the remote process exits or ctx is done and
	// returns its classified exit error, nil on a clean exit.
	Wait(ctx context.Context) error

	// Stderr returns the tail of the remote process's standard error.
	Stderr() string
}

//go:generate mockgen -source=client.go -destination=mocks/client_mock.go -package=mocks

// Client is the only component that talks to the external SSH mechanism.
type Client interface {
	// RunCommand runs a short remote command. A non-zero exit returns both
	// the result and a CommandFailed error.
	RunCommand(ctx context.Context, host, command string, timeout time.Duration) (*CommandResult, error)

	// SyncFile copies a local file to remotePath, relative to the remote
	// home unless absolute. rsync is preferred and scp used automatically
	// when rsync is unavailable on either end.
	SyncFile(ctx context.Context, host, localPath, remotePath string) (*SyncResult, error)

	// OpenSession starts remoteCommand and returns its stdio as a stream.
	// The session outlives ctx; the caller owns it and must Close it.
	OpenSession(ctx context.Context, host, remoteCommand string) (Session, error)
}
