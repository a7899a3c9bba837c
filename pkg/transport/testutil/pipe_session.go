package testutil

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/grenade/slarti/pkg/transport"
)

// AgentFunc stands in for a remote process: it reads the session's stdin
// and writes its stdout. Returning ends the process; a *transport.Error
// return becomes the session's exit error.
type AgentFunc func(ctx context.Context, stdin io.Reader, stdout io.Writer) error

// PipeSession is an in-memory transport.Session wired to an AgentFunc.
type PipeSession struct {
	toAgent   *io.PipeWriter
	fromAgent *io.PipeReader
	cancel    context.CancelFunc

	done    chan struct{}
	exitErr error
	stderr  string

	once sync.Once
}

// NewPipeSession starts agent in a goroutine and returns the client end.
func NewPipeSession(agent AgentFunc) *PipeSession {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	s := &PipeSession{toAgent: inW, fromAgent: outR, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := agent(ctx, inR, outW)
		outW.Close()
		inR.Close()
		if err != nil {
			if terr, ok := err.(*transport.Error); ok {
				s.stderr = terr.Stderr
			}
			s.exitErr = err
		}
		close(s.done)
	}()
	return s
}

// ExitedSession is a session whose remote process exits immediately with
// err, e.g. a missing binary.
func ExitedSession(err *transport.Error) *PipeSession {
	return NewPipeSession(func(context.Context, io.Reader, io.Writer) error { return err })
}

func (s *PipeSession) Read(p []byte) (int, error)  { return s.fromAgent.Read(p) }
func (s *PipeSession) Write(p []byte) (int, error) { return s.toAgent.Write(p) }

func (s *PipeSession) Stderr() string {
	select {
	case <-s.done:
		return s.stderr
	default:
		return ""
	}
}

func (s *PipeSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close mirrors the ssh session: EOF on stdin, a short grace period, then
// the process is killed.
func (s *PipeSession) Close() error {
	s.once.Do(func() {
		s.toAgent.Close()
		select {
		case <-s.done:
		case <-time.After(100 * time.Millisecond):
			s.cancel()
			s.fromAgent.Close()
			<-s.done
		}
		s.cancel()
		s.fromAgent.Close()
	})
	return nil
}

// Exited reports whether the stand-in process has ended.
func (s *PipeSession) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
