package probes

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenade/slarti/pkg/capabilities"
	"github.com/grenade/slarti/pkg/protocol"
)

// fakeProber answers commands from a table keyed by "name arg arg...".
func fakeProber(t *testing.T, outputs map[string]string, present ...string) *Prober {
	t.Helper()
	installed := map[string]bool{}
	for _, name := range present {
		installed[name] = true
	}
	return &Prober{
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			key := strings.Join(append([]string{name}, args...), " ")
			out, ok := outputs[key]
			if !ok {
				return nil, errors.New("exit status 1")
			}
			return []byte(out), nil
		},
		lookPath: func(name string) (string, error) {
			if installed[name] {
				return "/usr/bin/" + name, nil
			}
			return "", exec.ErrNotFound
		},
		readFile: func(name string) ([]byte, error) {
			if name == "/etc/os-release" {
				return []byte("NAME=\"Ubuntu\"\nID=ubuntu\nID_LIKE=debian\n"), nil
			}
			return nil, os.ErrNotExist
		},
		readDir: os.ReadDir,
		homeDir: os.UserHomeDir,
	}
}

func TestDetectDistro(t *testing.T) {
	tests := []struct {
		name      string
		osRelease string
		want      string
	}{
		{"ubuntu via id_like", "ID=ubuntu\nID_LIKE=debian", DistroDebian},
		{"rocky quoted", "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"", DistroRHEL},
		{"unknown id falls to id_like", "ID=pop\nID_LIKE=\"ubuntu debian\"", DistroDebian},
		{"alpine", "ID=alpine", DistroAlpine},
		{"arch", "ID=arch", DistroArch},
		{"opensuse", "ID=\"opensuse-leap\"\nID_LIKE=\"suse opensuse\"", DistroSUSE},
		{"empty", "", DistroGeneric},
		{"nixos", "ID=nixos", DistroGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDistro([]byte(tt.osRelease)))
		})
	}
}

func TestBaselineForIncludesExtra(t *testing.T) {
	set := baselineFor(DistroDebian, map[string][]string{DistroDebian: {"acme-agent.service"}})
	assert.Contains(t, set, "acme-agent.service")
	assert.Contains(t, set, "apt-daily.service")
	assert.Contains(t, set, "sshd.service")
	assert.NotContains(t, set, "firewalld.service")
}

const unitFiles = `nginx.service                enabled         enabled
sshd.service                 enabled         enabled
apt-daily.service            static          -
postgresql.service           disabled        enabled
`

const units = `nginx.service      loaded active   running A high performance web server
sshd.service       loaded active   running OpenBSD Secure Shell server
apt-daily.service  loaded inactive dead    Daily apt download activities
postgresql.service loaded inactive dead    PostgreSQL RDBMS
● broken.service   not-found inactive dead broken.service
`

func TestServicesList(t *testing.T) {
	p := fakeProber(t, map[string]string{
		"systemctl list-unit-files --type=service --no-legend --no-pager":          unitFiles,
		"systemctl list-units --type=service --all --no-legend --no-pager --plain": units,
	}, "systemctl")

	out, err := p.ServicesList(context.Background(), protocol.Request{Capability: protocol.CapServicesList})
	require.NoError(t, err)
	res := out.(protocol.ServicesList)

	assert.Equal(t, DistroDebian, res.Distribution)
	assert.Equal(t, 2, res.BaselineSkipped.Count)
	assert.Equal(t, []string{"apt-daily.service", "sshd.service"}, res.BaselineSkipped.Names)

	names := make([]string, 0, len(res.Services))
	for _, s := range res.Services {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"broken.service", "nginx.service", "postgresql.service"}, names)

	nginx := res.Services[1]
	assert.Equal(t, "active", nginx.ActiveState)
	assert.Equal(t, "running", nginx.SubState)
	assert.Equal(t, "A high performance web server", nginx.Description)
	require.NotNil(t, nginx.Enabled)
	assert.True(t, *nginx.Enabled)

	require.NotNil(t, res.Services[2].Enabled)
	assert.False(t, *res.Services[2].Enabled)
	assert.Nil(t, res.Services[0].Enabled)
}

func TestServicesListWithoutSystemd(t *testing.T) {
	p := fakeProber(t, nil)
	_, err := p.ServicesList(context.Background(), protocol.Request{})
	var f *protocol.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, protocol.FailureUnavailable, f.Code)
}

func TestContainersListDocker(t *testing.T) {
	p := fakeProber(t, map[string]string{
		"docker ps --all --no-trunc --format {{json .}}": `{"ID":"0123456789abcdef","Image":"nginx:1.25","Names":"web","State":"running","Status":"Up 2 hours","Ports":"0.0.0.0:80->80/tcp"}
{"ID":"fedcba987654","Image":"redis:7","Names":"cache","State":"exited","Status":"Exited (0) 3 days ago","Ports":""}
`,
	}, "docker", "podman")

	out, err := p.ContainersList(context.Background(), protocol.Request{})
	require.NoError(t, err)
	res := out.(protocol.ContainersList)
	assert.Equal(t, "docker", res.Runtime)
	require.Len(t, res.Containers, 2)
	assert.Equal(t, protocol.ContainerInfo{
		ID:     "0123456789ab",
		Name:   "web",
		Image:  "nginx:1.25",
		State:  "running",
		Status: "Up 2 hours",
		Ports:  "0.0.0.0:80->80/tcp",
	}, res.Containers[0])
	assert.Equal(t, "exited", res.Containers[1].State)
}

func TestContainersListFallsBackToPodman(t *testing.T) {
	// docker is installed but its daemon does not answer
	p := fakeProber(t, map[string]string{
		"podman ps --all --no-trunc --format {{json .}}": `[{"Id":"aaaabbbbccccdddd","Image":"quay.io/x/y:1","Names":["api","api-alias"],"State":"Running","Status":"Up"}]`,
	}, "docker", "podman")

	out, err := p.ContainersList(context.Background(), protocol.Request{})
	require.NoError(t, err)
	res := out.(protocol.ContainersList)
	assert.Equal(t, "podman", res.Runtime)
	require.Len(t, res.Containers, 1)
	assert.Equal(t, "aaaabbbbcccc", res.Containers[0].ID)
	assert.Equal(t, "api,api-alias", res.Containers[0].Name)
	assert.Equal(t, "running", res.Containers[0].State)
}

func TestContainersListNoRuntime(t *testing.T) {
	p := fakeProber(t, nil)
	_, err := p.ContainersList(context.Background(), protocol.Request{})
	var f *protocol.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, protocol.FailureUnavailable, f.Code)
	assert.Equal(t, "no container runtime present", f.Reason)
}

func TestContainersListEmpty(t *testing.T) {
	p := fakeProber(t, map[string]string{"docker ps --all --no-trunc --format {{json .}}": "\n"}, "docker")
	out, err := p.ContainersList(context.Background(), protocol.Request{})
	require.NoError(t, err)
	assert.NotNil(t, out.(protocol.ContainersList).Containers)
	assert.Empty(t, out.(protocol.ContainersList).Containers)
}

func TestSummarize(t *testing.T) {
	stats := []protocol.ProcessStat{
		{PID: 1, Name: "init", CPUPercent: 0.1, RSSBytes: 10},
		{PID: 2, Name: "db", CPUPercent: 5, RSSBytes: 900},
		{PID: 3, Name: "web", CPUPercent: 40, RSSBytes: 300},
		{PID: 4, Name: "a", CPUPercent: 1},
		{PID: 5, Name: "b", CPUPercent: 2},
		{PID: 6, Name: "c", CPUPercent: 3},
	}
	sum := summarize(stats, map[string]int{"sleep": 5, "running": 1})

	assert.Equal(t, 6, sum.Total)
	require.Len(t, sum.TopCPU, topN)
	assert.Equal(t, "web", sum.TopCPU[0].Name)
	assert.Equal(t, "db", sum.TopCPU[1].Name)
	assert.Equal(t, "db", sum.TopMem[0].Name)
	assert.Equal(t, "web", sum.TopMem[1].Name)
	// input order is untouched
	assert.Equal(t, "init", stats[0].Name)
}

func writeTree(t *testing.T, dir string) {
	t.Helper()
	for _, d := range []string{"zeta", "Alpha"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, d), 0o755))
	}
	for _, f := range []string{"b.txt", "A.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("hello"), 0o644))
	}
}

func listDir(t *testing.T, p *Prober, params protocol.ListDirParams) (protocol.DirListing, error) {
	t.Helper()
	req, err := protocol.NewRequest(protocol.CapListDir, params)
	require.NoError(t, err)
	out, err := p.ListDir(context.Background(), req)
	if err != nil {
		return protocol.DirListing{}, err
	}
	return out.(protocol.DirListing), nil
}

func TestListDirOrderingAndPaging(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir)
	p := fakeProber(t, nil)

	all, err := listDir(t, p, protocol.ListDirParams{Path: dir})
	require.NoError(t, err)
	assert.True(t, all.EOF)

	var names []string
	for _, e := range all.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Alpha", "zeta", "A.txt", "b.txt", "c.txt"}, names)
	assert.True(t, all.Entries[0].IsDir)
	assert.Nil(t, all.Entries[0].Size)
	require.NotNil(t, all.Entries[2].Size)
	assert.EqualValues(t, 5, *all.Entries[2].Size)
	assert.Equal(t, filepath.Join(dir, "A.txt"), all.Entries[2].Path)

	page, err := listDir(t, p, protocol.ListDirParams{Path: dir, Max: 2, Skip: 1})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "zeta", page.Entries[0].Name)
	assert.False(t, page.EOF)

	last, err := listDir(t, p, protocol.ListDirParams{Path: dir, Max: 2, Skip: 3})
	require.NoError(t, err)
	assert.Len(t, last.Entries, 2)
	assert.True(t, last.EOF)

	past, err := listDir(t, p, protocol.ListDirParams{Path: dir, Skip: 50})
	require.NoError(t, err)
	assert.NotNil(t, past.Entries)
	assert.Empty(t, past.Entries)
	assert.True(t, past.EOF)
}

func TestListDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(home, "projects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "projects", "x"), nil, 0o644))

	p := fakeProber(t, nil)
	p.homeDir = func() (string, error) { return home, nil }

	res, err := listDir(t, p, protocol.ListDirParams{Path: "~/projects"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, filepath.Join(home, "projects", "x"), res.Entries[0].Path)
}

func TestListDirErrors(t *testing.T) {
	p := fakeProber(t, nil)

	_, err := listDir(t, p, protocol.ListDirParams{})
	var f *protocol.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, protocol.FailureProbe, f.Code)

	_, err = listDir(t, p, protocol.ListDirParams{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestHandlersHonourDisabled(t *testing.T) {
	p := fakeProber(t, nil)

	all := p.Handlers(nil)
	assert.Len(t, all, 7)
	assert.Contains(t, all, protocol.CapListDir)

	cfg := &capabilities.CapabilityConfig{Disabled: []string{string(protocol.CapNetListeners), string(protocol.CapListDir)}}
	some := p.Handlers(cfg)
	assert.Len(t, some, 5)
	assert.NotContains(t, some, protocol.CapNetListeners)
	assert.NotContains(t, some, protocol.CapListDir)
}
