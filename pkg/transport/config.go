package transport

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultConnectTimeout bounds the TCP connect and SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// Config is the SSH configuration threaded explicitly into every call.
// Nothing is read from ambient process state beyond what the ssh binary
// itself reads (ssh_config, agent socket).
type Config struct {
	SSHBinary   string
	SCPBinary   string
	RsyncBinary string

	// ConfigFile is passed as ssh -F when set.
	ConfigFile   string
	IdentityFile string
	ForwardAgent bool

	ConnectTimeout        time.Duration
	StrictHostKeyChecking string

	// ExtraOptions are passed verbatim as -o values, e.g. "Port=2222".
	ExtraOptions []string

	// DisableRsync forces whole-file copies.
	DisableRsync bool
}

// DefaultConfig returns the configuration used when the caller sets nothing.
func DefaultConfig() Config {
	return Config{
		SSHBinary:             "ssh",
		SCPBinary:             "scp",
		RsyncBinary:           "rsync",
		ConnectTimeout:        DefaultConnectTimeout,
		StrictHostKeyChecking: "accept-new",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SSHBinary == "" {
		c.SSHBinary = def.SSHBinary
	}
	if c.SCPBinary == "" {
		c.SCPBinary = def.SCPBinary
	}
	if c.RsyncBinary == "" {
		c.RsyncBinary = def.RsyncBinary
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.StrictHostKeyChecking == "" {
		c.StrictHostKeyChecking = def.StrictHostKeyChecking
	}
	return c
}

// commonOptions are understood by ssh and scp alike.
func (c Config) commonOptions() []string {
	secs := int(c.ConnectTimeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=" + c.StrictHostKeyChecking,
		"-o", "ConnectTimeout=" + strconv.Itoa(secs),
		"-o", "ConnectionAttempts=1",
		"-o", "Compression=yes",
	}
	if c.ConfigFile != "" {
		args = append(args, "-F", c.ConfigFile)
	}
	if c.IdentityFile != "" {
		args = append(args, "-i", c.IdentityFile, "-o", "IdentitiesOnly=yes")
	}
	args = append(args, "-o", fmt.Sprintf("ForwardAgent=%s", yesNo(c.ForwardAgent)))
	for _, opt := range c.ExtraOptions {
		args = append(args, "-o", opt)
	}
	return args
}

// sshArgs builds the argument list for ssh without a pseudo-terminal.
func (c Config) sshArgs(host string, remoteCommand string) []string {
	args := append(c.commonOptions(), "-T", host)
	if remoteCommand != "" {
		args = append(args, remoteCommand)
	}
	return args
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
