package deploy

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// BinaryName is the agent executable's file name, locally and remotely.
const BinaryName = "slarti-agent"

// remoteRoot is relative to the remote login directory, where ssh runs
// commands, so no shell expansion of ~ or $HOME is needed.
const remoteRoot = ".local/share/slarti/agent"

// RemoteDir is the per-version agent directory on a remote host.
func RemoteDir(version string) string {
	return path.Join(remoteRoot, version)
}

// RemoteBinary is the agent path for version on a remote host.
func RemoteBinary(version string) string {
	return path.Join(RemoteDir(version), BinaryName)
}

// TargetFromUname maps `uname -sm` output to a release target such as
// linux-amd64.
func TargetFromUname(out string) (string, error) {
	f := strings.Fields(out)
	if len(f) < 2 {
		return "", errors.Errorf("unexpected uname output %q", strings.TrimSpace(out))
	}

	var goos string
	switch strings.ToLower(f[0]) {
	case "linux":
		goos = "linux"
	case "darwin":
		goos = "darwin"
	case "freebsd":
		goos = "freebsd"
	default:
		return "", errors.Errorf("unsupported operating system %q", f[0])
	}

	var goarch string
	switch f[1] {
	case "x86_64", "amd64":
		goarch = "amd64"
	case "aarch64", "arm64":
		goarch = "arm64"
	case "armv7l", "armv6l":
		goarch = "arm"
	case "i386", "i686":
		goarch = "386"
	case "riscv64":
		goarch = "riscv64"
	case "ppc64le":
		goarch = "ppc64le"
	case "s390x":
		goarch = "s390x"
	default:
		return "", errors.Errorf("unsupported architecture %q", f[1])
	}
	return goos + "-" + goarch, nil
}
