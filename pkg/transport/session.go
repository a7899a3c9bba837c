package transport

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/pkg/errors"
)

const (
	stderrTail = 8 << 10
	closeGrace = 500 * time.Millisecond
)

type sshSession struct {
	host  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *os.File
	tail  *tailBuffer

	done    chan struct{}
	exitErr error

	mu      sync.Mutex
	closing bool
	once    sync.Once
}

// OpenSession implements Client.
func (c *SSHClient) OpenSession(ctx context.Context, host, remoteCommand string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "open session")
	}

	cmd := exec.Command(c.cfg.SSHBinary, c.cfg.sshArgs(host, remoteCommand)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	// A plain pipe rather than StdoutPipe: Wait runs concurrently with
	// reads and must not close the read end under the reader.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	cmd.Stdout = outW
	tail := newTailBuffer(stderrTail)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, &Error{Kind: Unreachable, Host: host, Op: "session", ExitStatus: -1, Err: err}
	}
	outW.Close()

	s := &sshSession{
		host:  host,
		cmd:   cmd,
		stdin: stdin,
		out:   outR,
		tail:  tail,
		done:  make(chan struct{}),
	}
	go s.reap()

	logtrace.Debug(ctx, "session opened", logtrace.Fields{
		logtrace.FieldModule: "transport",
		logtrace.FieldTarget: host,
		"pid":                cmd.Process.Pid,
	})
	return s, nil
}

func (s *sshSession) reap() {
	err := s.cmd.Wait()

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	switch {
	case err == nil, closing:
	default:
		s.exitErr = newError("session", s.host, exitStatus(s.cmd, err), s.tail.String(), err)
	}
	close(s.done)
}

func (s *sshSession) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *sshSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshSession) Stderr() string { return s.tail.String() }

func (s *sshSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.exitErr
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutError("session", s.host, s.tail.String(), ctx.Err())
		}
		return ctx.Err()
	}
}

// Close closes stdin, gives the remote side a moment to exit on EOF and
// then kills the ssh process group.
func (s *sshSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.stdin.Close()
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			killGroup(s.cmd)
			<-s.done
		}
		s.out.Close()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
