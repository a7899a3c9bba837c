package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies transport failures. None of them are retried
// automatically; retry policy belongs to the caller.
type ErrorKind string

const (
	Unreachable   ErrorKind = "unreachable"
	AuthFailed    ErrorKind = "auth_failed"
	CommandFailed ErrorKind = "command_failed"
	Timeout       ErrorKind = "timeout"
)

// sshFailureStatus is what ssh exits with when it fails itself rather
// than relaying the remote command's status.
const sshFailureStatus = 255

// Error is returned by every Client operation that fails.
type Error struct {
	Kind       ErrorKind
	Host       string
	Op         string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Op, e.Host, e.Kind)
	if e.Kind == CommandFailed {
		fmt.Fprintf(&b, " (exit %d)", e.ExitStatus)
	}
	if msg := lastLine(e.Stderr); msg != "" {
		b.WriteString(": " + msg)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transport Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == kind
}

// KindOf returns the transport error kind, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return ""
}

var authPatterns = []string{
	"permission denied (",
	"too many authentication failures",
	"host key verification failed",
	"no supported authentication methods",
	"authentication failed",
}

var unreachablePatterns = []string{
	"could not resolve hostname",
	"name or service not known",
	"connection refused",
	"connection timed out",
	"operation timed out",
	"no route to host",
	"network is unreachable",
	"connection closed by",
	"connection reset by",
	"kex_exchange_identification",
}

// classify maps an exit status plus ssh's stderr to an error kind.
func classify(exitStatus int, stderr string) ErrorKind {
	lower := strings.ToLower(stderr)
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return AuthFailed
		}
	}
	if exitStatus == sshFailureStatus {
		for _, p := range unreachablePatterns {
			if strings.Contains(lower, p) {
				return Unreachable
			}
		}
		if strings.HasPrefix(strings.TrimSpace(lower), "ssh:") {
			return Unreachable
		}
	}
	return CommandFailed
}

func newError(op, host string, exitStatus int, stderr string, err error) *Error {
	return &Error{
		Kind:       classify(exitStatus, stderr),
		Host:       host,
		Op:         op,
		ExitStatus: exitStatus,
		Stderr:     stderr,
		Err:        err,
	}
}

func timeoutError(op, host string, stderr string, err error) *Error {
	return &Error{Kind: Timeout, Host: host, Op: op, ExitStatus: -1, Stderr: stderr, Err: err}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
