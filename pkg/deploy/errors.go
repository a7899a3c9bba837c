package deploy

import (
	"fmt"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
)

// ErrorKind classifies a failed deployment step.
type ErrorKind string

const (
	ArtifactUnavailable   ErrorKind = "artifact_unavailable"
	PermissionSetupFailed ErrorKind = "permission_setup_failed"
	SyncFailed            ErrorKind = "sync_failed"
	VerificationFailed    ErrorKind = "verification_failed"
)

// Error is a deployment that did not complete. Transport failures that
// make the host unusable (unreachable, auth, timeout) are returned as
// *transport.Error instead.
type Error struct {
	Kind    ErrorKind
	Alias   string
	Version string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("deploy %s to %s: %s", e.Version, e.Alias, e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a deployment error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Kind == kind
}

// Reason says why a host needs a deployment.
type Reason string

const (
	// ReasonMissing: nothing runnable at the agent path.
	ReasonMissing Reason = "missing"
	// ReasonIncompatible: an agent answered with the wrong version or
	// capabilities, or did not speak the protocol at all.
	ReasonIncompatible Reason = "incompatible"
)

// NeedsDeployment is returned by Connect when the host has no usable
// agent. Deployment only happens when the caller asks for it.
type NeedsDeployment struct {
	Alias      string
	Reason     Reason
	RemotePath string
	// Found is the advertisement of the agent that answered, nil when none did.
	Found  *protocol.VersionInfo
	Detail string
}

func (n *NeedsDeployment) Error() string {
	msg := fmt.Sprintf("%s: agent %s at %s", n.Alias, n.Reason, n.RemotePath)
	if n.Found != nil {
		msg += fmt.Sprintf(" (found %s)", n.Found.Version())
	}
	if n.Detail != "" {
		msg += ": " + n.Detail
	}
	return msg
}

// AsNeedsDeployment unwraps a NeedsDeployment from err.
func AsNeedsDeployment(err error) (*NeedsDeployment, bool) {
	var nd *NeedsDeployment
	ok := errors.As(err, &nd)
	return nd, ok
}
