package transport

import (
	"os"
	"path/filepath"
	"testing"
)

const fakeSSH = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -o|-i|-F|-p|-l) shift 2 ;;
    -T|-A|-a|-q) shift ;;
    *) break ;;
  esac
done
host="$1"; shift
case "$host" in
  *unreachable*) echo "ssh: Could not resolve hostname $host: Name or service not known" >&2; exit 255 ;;
  *denied*) echo "$host: Permission denied (publickey)." >&2; exit 255 ;;
esac
cd "$FAKE_REMOTE_HOME" || exit 255
HOME="$FAKE_REMOTE_HOME" exec sh -c "$*"
`

const fakeCopy = `#!/bin/sh
src=""; dest=""
for a in "$@"; do src="$dest"; dest="$a"; done
host="${dest%%:*}"; path="${dest#*:}"
case "$host" in
  *unreachable*) echo "ssh: Could not resolve hostname $host: Name or service not known" >&2; exit 255 ;;
esac
`

const fakeRsync = fakeCopy + `if [ "$FAKE_RSYNC_MODE" = "missing" ]; then
  echo "bash: line 1: rsync: command not found" >&2
  echo "rsync: connection unexpectedly closed (0 bytes received so far) [sender]" >&2
  exit 12
fi
cp "$src" "$FAKE_REMOTE_HOME/$path" && touch "$FAKE_REMOTE_HOME/.rsync-used"
`

const fakeSCP = fakeCopy + `cp "$src" "$FAKE_REMOTE_HOME/$path" && touch "$FAKE_REMOTE_HOME/.scp-used"
`

type fakeRemote struct {
	home string
	cfg  Config
}

// newFakeRemote installs ssh, scp and rsync stand-ins that run everything
// locally inside a scratch "remote home".
func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	bin := t.TempDir()
	home := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(bin, name)
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Setenv("FAKE_REMOTE_HOME", home)
	t.Setenv("FAKE_RSYNC_MODE", "")
	return &fakeRemote{
		home: home,
		cfg: Config{
			SSHBinary:   write("ssh", fakeSSH),
			SCPBinary:   write("scp", fakeSCP),
			RsyncBinary: write("rsync", fakeRsync),
		},
	}
}

func (f *fakeRemote) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.home, rel))
	return err == nil
}
