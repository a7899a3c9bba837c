package hoststate

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Record is the locally remembered state of one host alias. It is a hint
// for skipping the slow path, never a substitute for a live handshake.
type Record struct {
	Alias               string     `yaml:"alias"`
	LastDeployedVersion string     `yaml:"last_deployed_version,omitempty"`
	LastDeployedAt      *time.Time `yaml:"last_deployed_at,omitempty"`
	RemotePath          string     `yaml:"remote_path,omitempty"`
	RemoteChecksum      string     `yaml:"remote_checksum,omitempty"`
	LastSeenOK          bool       `yaml:"last_seen_ok"`
	LastSeenAt          *time.Time `yaml:"last_seen_at,omitempty"`
	LastError           string     `yaml:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastDeployedAt != nil {
		t := *r.LastDeployedAt
		c.LastDeployedAt = &t
	}
	if r.LastSeenAt != nil {
		t := *r.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

// MarkSeen records the outcome of a connection attempt.
func (r *Record) MarkSeen(ok bool, at time.Time, cause error) {
	r.LastSeenOK = ok
	at = at.UTC()
	r.LastSeenAt = &at
	r.LastError = ""
	if cause != nil {
		r.LastError = cause.Error()
	}
}

// MarkDeployed records a completed and verified deployment.
func (r *Record) MarkDeployed(version, remotePath, checksum string, at time.Time) {
	at = at.UTC()
	r.LastDeployedVersion = version
	r.LastDeployedAt = &at
	r.RemotePath = remotePath
	r.RemoteChecksum = checksum
}

// ValidateAlias rejects aliases that cannot safely name a file.
func ValidateAlias(alias string) error {
	switch {
	case alias == "":
		return errors.New("alias is empty")
	case alias == "." || alias == "..":
		return errors.Errorf("invalid alias %q", alias)
	case strings.HasPrefix(alias, "."):
		return errors.Errorf("alias %q must not start with a dot", alias)
	case strings.ContainsAny(alias, "/\\\x00"):
		return errors.Errorf("alias %q contains a path separator", alias)
	case len(alias) > 200:
		return errors.Errorf("alias %q is too long", alias)
	}
	return nil
}
