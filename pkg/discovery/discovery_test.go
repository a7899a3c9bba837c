package discovery

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenade/slarti/agent/service"
	"github.com/grenade/slarti/pkg/agentclient"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/grenade/slarti/pkg/transport/testutil"
)

type recorder struct {
	mu    sync.Mutex
	calls []protocol.Capability
}

func (r *recorder) handler(c protocol.Capability, result interface{}, err error) service.Handler {
	return func(context.Context, protocol.Request) (interface{}, error) {
		r.mu.Lock()
		r.calls = append(r.calls, c)
		r.mu.Unlock()
		return result, err
	}
}

func (r *recorder) seen() []protocol.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Capability(nil), r.calls...)
}

func fullAgent(rec *recorder) map[protocol.Capability]service.Handler {
	return map[protocol.Capability]service.Handler{
		protocol.CapSysInfo:          rec.handler(protocol.CapSysInfo, protocol.SysInfo{Hostname: "web1", OS: "linux"}, nil),
		protocol.CapStaticConfig:     rec.handler(protocol.CapStaticConfig, protocol.StaticConfig{CPUCount: 4}, nil),
		protocol.CapServicesList:     rec.handler(protocol.CapServicesList, protocol.ServicesList{Distribution: "debian"}, nil),
		protocol.CapContainersList:   rec.handler(protocol.CapContainersList, protocol.ContainersList{Runtime: "docker"}, nil),
		protocol.CapNetListeners:     rec.handler(protocol.CapNetListeners, protocol.NetListeners{}, nil),
		protocol.CapProcessesSummary: rec.handler(protocol.CapProcessesSummary, protocol.ProcessesSummary{Total: 42}, nil),
	}
}

func connect(t *testing.T, handlers map[protocol.Capability]service.Handler) *agentclient.Conn {
	t.Helper()
	svc := service.New("1.2.0", handlers)
	sess := testutil.NewPipeSession(func(ctx context.Context, in io.Reader, out io.Writer) error {
		return svc.Run(ctx, in, out)
	})
	conn := agentclient.New("web1", sess)
	t.Cleanup(func() { conn.Close() })
	_, err := conn.AwaitHelloAck(context.Background(), time.Second)
	require.NoError(t, err)
	return conn
}

func TestRunAllSucceedInOrder(t *testing.T) {
	rec := &recorder{}
	conn := connect(t, fullAgent(rec))

	res := New().Run(context.Background(), "web1", conn)

	assert.Equal(t, protocol.DiscoveryBattery(), res.Order)
	assert.Equal(t, protocol.DiscoveryBattery(), rec.seen())
	assert.Empty(t, res.Failed())
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "1.2.0", res.AgentVersion)

	var si protocol.SysInfo
	require.NoError(t, res.Decode(protocol.CapSysInfo, &si))
	assert.Equal(t, "web1", si.Hostname)

	var ps protocol.ProcessesSummary
	require.NoError(t, res.Decode(protocol.CapProcessesSummary, &ps))
	assert.Equal(t, 42, ps.Total)
}

func TestRunOneFailureDoesNotBlockOthers(t *testing.T) {
	rec := &recorder{}
	handlers := fullAgent(rec)
	handlers[protocol.CapContainersList] = rec.handler(protocol.CapContainersList, nil,
		&protocol.Failure{Code: protocol.FailureUnavailable, Reason: "no container runtime present"})
	conn := connect(t, handlers)

	res := New().Run(context.Background(), "web1", conn)

	assert.Len(t, res.Order, 6)
	assert.Equal(t, []protocol.Capability{protocol.CapContainersList}, res.Failed())
	o := res.Outcomes[protocol.CapContainersList]
	require.NotNil(t, o.Failure)
	assert.Equal(t, protocol.FailureUnavailable, o.Failure.Code)
	assert.Equal(t, []string{"containers_list: no container runtime present"}, res.Warnings)

	err := res.Decode(protocol.CapContainersList, &protocol.ContainersList{})
	var f *protocol.Failure
	require.ErrorAs(t, err, &f)

	// later capabilities still ran
	var ps protocol.ProcessesSummary
	require.NoError(t, res.Decode(protocol.CapProcessesSummary, &ps))
}

func TestRunSkipsUnadvertisedCapabilities(t *testing.T) {
	rec := &recorder{}
	handlers := fullAgent(rec)
	delete(handlers, protocol.CapNetListeners)
	conn := connect(t, handlers)

	res := New().Run(context.Background(), "web1", conn)

	assert.NotContains(t, rec.seen(), protocol.CapNetListeners)
	o := res.Outcomes[protocol.CapNetListeners]
	require.NotNil(t, o.Failure)
	assert.Equal(t, protocol.FailureUnsupported, o.Failure.Code)
	assert.Len(t, res.Warnings, 1)
}

func TestRunBrokenSessionFailsTheRest(t *testing.T) {
	// answers sys_info and then dies
	sess := testutil.NewPipeSession(func(_ context.Context, in io.Reader, out io.Writer) error {
		r, w := protocol.NewReader(in), protocol.NewWriter(out)
		ack := protocol.NewHelloAck(protocol.NewVersionInfo("1.2.0", protocol.DiscoveryBattery()...))
		if err := w.WriteEnvelope(protocol.NewEnvelope(protocol.NewID(), ack)); err != nil {
			return err
		}
		env, err := r.ReadEnvelope()
		if err != nil {
			return err
		}
		resp, _ := protocol.NewResult(protocol.CapSysInfo, protocol.SysInfo{Hostname: "web1"})
		if err := w.WriteEnvelope(protocol.NewEnvelope(env.ID, resp)); err != nil {
			return err
		}
		return &transport.Error{Kind: transport.CommandFailed, ExitStatus: 139, Stderr: "Segmentation fault"}
	})
	conn := agentclient.New("web1", sess)
	defer conn.Close()
	_, err := conn.AwaitHelloAck(context.Background(), time.Second)
	require.NoError(t, err)

	res := New().Run(context.Background(), "web1", conn)

	assert.True(t, res.Outcomes[protocol.CapSysInfo].OK())
	failed := res.Failed()
	assert.Equal(t, protocol.DiscoveryBattery()[1:], failed)
	for _, c := range failed {
		assert.Equal(t, protocol.FailureSession, res.Outcomes[c].Failure.Code, c)
	}
	assert.Contains(t, res.Outcomes[protocol.CapProcessesSummary].Failure.Reason, "not sent")
	require.Error(t, res.SessionErr)
	assert.True(t, transport.IsKind(res.SessionErr, transport.CommandFailed))
}

func TestRunTimeoutRecorded(t *testing.T) {
	rec := &recorder{}
	handlers := fullAgent(rec)
	handlers[protocol.CapSysInfo] = func(ctx context.Context, _ protocol.Request) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	conn := connect(t, handlers)

	res := New(WithRequestTimeout(50*time.Millisecond), WithBattery(protocol.CapSysInfo, protocol.CapStaticConfig)).
		Run(context.Background(), "web1", conn)

	assert.Equal(t, protocol.FailureTimeout, res.Outcomes[protocol.CapSysInfo].Failure.Code)
	// a timed-out connection cannot be trusted for the next request
	assert.Equal(t, protocol.FailureSession, res.Outcomes[protocol.CapStaticConfig].Failure.Code)
	assert.True(t, transport.IsKind(res.SessionErr, transport.Timeout))
}

func TestDecodeUnrequested(t *testing.T) {
	res := newResult("web1", "1.2.0")
	require.Error(t, res.Decode(protocol.CapSysInfo, &protocol.SysInfo{}))
}

type dialed struct {
	*agentclient.Conn
	closed bool
}

func (d *dialed) Close() error {
	d.closed = true
	return d.Conn.Close()
}

func TestRunHosts(t *testing.T) {
	aliases := []string{"web1", "web2", "down", "db1"}

	var mu sync.Mutex
	sessions := map[string]*dialed{}
	dial := func(ctx context.Context, alias string) (Session, error) {
		if alias == "down" {
			return nil, &transport.Error{Kind: transport.Unreachable, Host: alias, ExitStatus: 255}
		}
		rec := &recorder{}
		svc := service.New("1.2.0", fullAgent(rec))
		sess := testutil.NewPipeSession(func(ctx context.Context, in io.Reader, out io.Writer) error {
			return svc.Run(ctx, in, out)
		})
		conn := agentclient.New(alias, sess)
		if _, err := conn.AwaitHelloAck(ctx, time.Second); err != nil {
			conn.Close()
			return nil, err
		}
		d := &dialed{Conn: conn}
		mu.Lock()
		sessions[alias] = d
		mu.Unlock()
		return d, nil
	}

	results := New().RunHosts(context.Background(), aliases, dial, 2)

	require.Len(t, results, 4)
	for i, alias := range aliases {
		assert.Equal(t, alias, results[i].Alias)
	}
	assert.True(t, transport.IsKind(results[2].Err, transport.Unreachable))
	assert.Nil(t, results[2].Result)

	for _, i := range []int{0, 1, 3} {
		require.NoError(t, results[i].Err)
		assert.Empty(t, results[i].Result.Failed())
		assert.True(t, sessions[results[i].Alias].closed)
	}
}
