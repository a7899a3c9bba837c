package testutil

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/grenade/slarti/pkg/transport"
	"github.com/grenade/slarti/pkg/utils"
	"github.com/kballard/go-shellquote"
)

// FakeFile is a file on a FakeHost.
type FakeFile struct {
	Data []byte
	Mode os.FileMode
}

// FakeHost is an in-memory remote machine. Paths are relative to the
// remote home, as the real client resolves them.
type FakeHost struct {
	Unreachable bool
	AuthFailed  bool
	// NoRsync makes SyncFile report the scp fallback.
	NoRsync bool
	// Uname is returned by `uname -sm`.
	Uname string
	// ChecksumOverride, when set, is printed by `<agent> --checksum`
	// instead of the real digest.
	ChecksumOverride string

	Files map[string]*FakeFile
	Dirs  map[string]os.FileMode
}

// FakeClient is a small test double for transport.Client. It interprets
// the handful of shell commands deployment issues and runs "binaries"
// by looking their content up in Programs.
type FakeClient struct {
	mu sync.Mutex

	Hosts map[string]*FakeHost
	// Programs maps file content to the behaviour of executing it.
	Programs map[string]AgentFunc

	Commands  []string
	Syncs     []string
	Sessions  []*PipeSession
	OpenCalls int
}

// NewFakeClient returns a client with no hosts.
func NewFakeClient() *FakeClient {
	return &FakeClient{Hosts: map[string]*FakeHost{}, Programs: map[string]AgentFunc{}}
}

// AddHost registers a reachable Linux x86_64 host.
func (f *FakeClient) AddHost(alias string) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &FakeHost{Uname: "Linux x86_64", Files: map[string]*FakeFile{}, Dirs: map[string]os.FileMode{}}
	f.Hosts[alias] = h
	return h
}

// Install places an executable file on host.
func (f *FakeClient) Install(alias, remotePath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.Hosts[alias]
	h.Files[remotePath] = &FakeFile{Data: data, Mode: 0o700}
}

// File returns a copy of a remote file, or nil.
func (f *FakeClient) File(alias, remotePath string) *FakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.Hosts[alias].Files[remotePath]
	if !ok {
		return nil
	}
	c := *file
	return &c
}

// DirMode returns the mode of a remote directory and whether it exists.
func (f *FakeClient) DirMode(alias, dir string) (os.FileMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Hosts[alias].Dirs[dir]
	return m, ok
}

// WriteCount is the number of mutating remote operations issued so far.
func (f *FakeClient) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.Syncs)
	for _, c := range f.Commands {
		if strings.Contains(c, "mkdir") || strings.Contains(c, "chmod") {
			n++
		}
	}
	return n
}

func (f *FakeClient) host(alias, op string) (*FakeHost, *transport.Error) {
	h, ok := f.Hosts[alias]
	switch {
	case !ok || h.Unreachable:
		return nil, &transport.Error{Kind: transport.Unreachable, Host: alias, Op: op, ExitStatus: 255,
			Stderr: "ssh: Could not resolve hostname " + alias + ": Name or service not known"}
	case h.AuthFailed:
		return nil, &transport.Error{Kind: transport.AuthFailed, Host: alias, Op: op, ExitStatus: 255,
			Stderr: alias + ": Permission denied (publickey)."}
	}
	return h, nil
}

// RunCommand implements transport.Client.
func (f *FakeClient) RunCommand(ctx context.Context, alias, command string, timeout time.Duration) (*transport.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, command)

	h, terr := f.host(alias, "run")
	if terr != nil {
		return &transport.CommandResult{Stderr: terr.Stderr, ExitStatus: 255}, terr
	}

	res := &transport.CommandResult{}
	for _, part := range strings.Split(command, "&&") {
		args, err := shellquote.Split(strings.TrimSpace(part))
		if err != nil || len(args) == 0 {
			return fail(alias, res, 2, "syntax error")
		}
		out, status, stderr := h.exec(args)
		res.Stdout += out
		if status != 0 {
			return fail(alias, res, status, stderr)
		}
	}
	return res, nil
}

func fail(alias string, res *transport.CommandResult, status int, stderr string) (*transport.CommandResult, error) {
	res.ExitStatus = status
	res.Stderr = stderr
	return res, &transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "run", ExitStatus: status, Stderr: stderr}
}

func (h *FakeHost) exec(args []string) (stdout string, status int, stderr string) {
	switch args[0] {
	case "umask", "true":
		return "", 0, ""
	case "uname":
		return h.Uname + "\n", 0, ""
	case "mkdir":
		dir := args[len(args)-1]
		for d := dir; d != "." && d != "/" && d != ""; d = path.Dir(d) {
			if _, ok := h.Dirs[d]; !ok {
				h.Dirs[d] = 0o755
			}
		}
		return "", 0, ""
	case "chmod":
		if len(args) != 3 {
			return "", 1, "chmod: usage"
		}
		var mode os.FileMode
		fmt.Sscanf(args[1], "%o", &mode)
		target := args[2]
		if file, ok := h.Files[target]; ok {
			file.Mode = mode
			return "", 0, ""
		}
		if _, ok := h.Dirs[target]; ok {
			h.Dirs[target] = mode
			return "", 0, ""
		}
		return "", 1, "chmod: cannot access '" + target + "': No such file or directory"
	}

	file, ok := h.Files[args[0]]
	if !ok {
		return "", 127, "sh: 1: " + args[0] + ": not found"
	}
	if file.Mode&0o100 == 0 {
		return "", 126, "sh: 1: " + args[0] + ": Permission denied"
	}
	if len(args) > 1 && args[1] == "--checksum" {
		if h.ChecksumOverride != "" {
			return h.ChecksumOverride + "\n", 0, ""
		}
		return utils.GetHashFromBytes(file.Data) + "\n", 0, ""
	}
	return "", 2, "unsupported invocation"
}

// SyncFile implements transport.Client.
func (f *FakeClient) SyncFile(ctx context.Context, alias, localPath, remotePath string) (*transport.SyncResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Syncs = append(f.Syncs, remotePath)

	h, terr := f.host(alias, "rsync")
	if terr != nil {
		return nil, terr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := h.Dirs[path.Dir(remotePath)]; !ok {
		return nil, &transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "rsync", ExitStatus: 11,
			Stderr: "rsync: mkdir failed: No such file or directory"}
	}
	h.Files[remotePath] = &FakeFile{Data: data, Mode: 0o700}

	if h.NoRsync {
		return &transport.SyncResult{Method: transport.SyncSCP, FallbackReason: "rsync: command not found"}, nil
	}
	return &transport.SyncResult{Method: transport.SyncRsync}, nil
}

// OpenSession implements transport.Client.
func (f *FakeClient) OpenSession(ctx context.Context, alias, remoteCommand string) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls++

	sess := f.open(alias, remoteCommand)
	f.Sessions = append(f.Sessions, sess)
	return sess, nil
}

func (f *FakeClient) open(alias, remoteCommand string) *PipeSession {
	h, terr := f.host(alias, "session")
	if terr != nil {
		return ExitedSession(terr)
	}
	args, err := shellquote.Split(remoteCommand)
	if err != nil || len(args) == 0 {
		return ExitedSession(&transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "session", ExitStatus: 2})
	}
	file, ok := h.Files[args[0]]
	if !ok {
		return ExitedSession(&transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "session", ExitStatus: 127,
			Stderr: "sh: 1: " + args[0] + ": not found"})
	}
	if file.Mode&0o100 == 0 {
		return ExitedSession(&transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "session", ExitStatus: 126,
			Stderr: "sh: 1: " + args[0] + ": Permission denied"})
	}
	program, ok := f.Programs[string(file.Data)]
	if !ok {
		return ExitedSession(&transport.Error{Kind: transport.CommandFailed, Host: alias, Op: "session", ExitStatus: 126,
			Stderr: "sh: 1: " + args[0] + ": Exec format error"})
	}
	return NewPipeSession(program)
}

// AllSessionsClosed reports whether every session handed out has ended.
func (f *FakeClient) AllSessionsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Sessions {
		if !s.Exited() {
			return false
		}
	}
	return true
}
