package agentclient

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenade/slarti/agent/service"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/grenade/slarti/pkg/transport/testutil"
)

const timeout = 2 * time.Second

func agentSession(t *testing.T, handlers map[protocol.Capability]service.Handler) *testutil.PipeSession {
	t.Helper()
	svc := service.New("1.2.0", handlers)
	sess := testutil.NewPipeSession(func(ctx context.Context, in io.Reader, out io.Writer) error {
		return svc.Run(ctx, in, out)
	})
	t.Cleanup(func() { sess.Close() })
	return sess
}

func sysInfoHandler(_ context.Context, _ protocol.Request) (interface{}, error) {
	return protocol.SysInfo{Hostname: "web1", OS: "linux", Kernel: "6.1.0", Arch: "x86_64"}, nil
}

func TestHandshakeAndCall(t *testing.T) {
	ctx := context.Background()
	c := New("web1", agentSession(t, map[protocol.Capability]service.Handler{
		protocol.CapSysInfo: sysInfoHandler,
	}))
	defer c.Close()

	info, err := c.AwaitHelloAck(ctx, timeout)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", info.Version())
	assert.True(t, info.Supports(protocol.CapSysInfo))
	assert.True(t, c.Info().Equal(info))

	resp, err := c.Call(ctx, protocol.CapSysInfo, nil, timeout)
	require.NoError(t, err)
	require.Nil(t, resp.Failure)

	var si protocol.SysInfo
	require.NoError(t, resp.DecodeResult(&si))
	assert.Equal(t, "web1", si.Hostname)

	// hello is answered even after requests
	again, err := c.Hello(ctx, "0.9.0", timeout)
	require.NoError(t, err)
	assert.True(t, again.Equal(info))
}

func TestUnsupportedCapabilityKeepsConnection(t *testing.T) {
	ctx := context.Background()
	c := New("web1", agentSession(t, map[protocol.Capability]service.Handler{
		protocol.CapSysInfo: sysInfoHandler,
	}))
	defer c.Close()
	_, err := c.AwaitHelloAck(ctx, timeout)
	require.NoError(t, err)

	_, err = c.Call(ctx, protocol.CapContainersList, nil, timeout)
	var body protocol.ErrorBody
	require.ErrorAs(t, err, &body)
	assert.Equal(t, protocol.CodeUnsupported, body.Code)

	_, err = c.Call(ctx, protocol.CapSysInfo, nil, timeout)
	require.NoError(t, err)
}

func TestFailureIsAResponse(t *testing.T) {
	ctx := context.Background()
	c := New("web1", agentSession(t, map[protocol.Capability]service.Handler{
		protocol.CapContainersList: func(context.Context, protocol.Request) (interface{}, error) {
			return nil, &protocol.Failure{Code: protocol.FailureUnavailable, Reason: "no container runtime present"}
		},
	}))
	defer c.Close()
	_, err := c.AwaitHelloAck(ctx, timeout)
	require.NoError(t, err)

	resp, err := c.Call(ctx, protocol.CapContainersList, nil, timeout)
	require.NoError(t, err)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, protocol.FailureUnavailable, resp.Failure.Code)
}

func TestTimeoutPoisonsConnection(t *testing.T) {
	ctx := context.Background()
	c := New("web1", agentSession(t, map[protocol.Capability]service.Handler{
		protocol.CapSysInfo: func(ctx context.Context, _ protocol.Request) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	defer c.Close()
	_, err := c.AwaitHelloAck(ctx, timeout)
	require.NoError(t, err)

	_, err = c.Call(ctx, protocol.CapSysInfo, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, transport.IsKind(err, transport.Timeout))

	_, err = c.Call(ctx, protocol.CapSysInfo, nil, timeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection unusable")
	assert.True(t, transport.IsKind(err, transport.Timeout))
}

func TestMismatchedResponseID(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewPipeSession(func(_ context.Context, in io.Reader, out io.Writer) error {
		r, w := protocol.NewReader(in), protocol.NewWriter(out)
		ack := protocol.NewHelloAck(protocol.NewVersionInfo("1.2.0", protocol.CapSysInfo))
		if err := w.WriteEnvelope(protocol.NewEnvelope(protocol.NewID(), ack)); err != nil {
			return err
		}
		if _, err := r.ReadEnvelope(); err != nil {
			return err
		}
		resp, _ := protocol.NewResult(protocol.CapSysInfo, protocol.SysInfo{Hostname: "x"})
		if err := w.WriteEnvelope(protocol.NewEnvelope("not-your-id", resp)); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, in)
		return nil
	})
	c := New("web1", sess)
	defer c.Close()

	_, err := c.AwaitHelloAck(ctx, timeout)
	require.NoError(t, err)

	_, err = c.Call(ctx, protocol.CapSysInfo, nil, timeout)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.UnexpectedMessageKind))

	_, err = c.Call(ctx, protocol.CapSysInfo, nil, timeout)
	assert.Contains(t, err.Error(), "connection unusable")
}

func TestFirstMessageMustBeHelloAck(t *testing.T) {
	sess := testutil.NewPipeSession(func(_ context.Context, in io.Reader, out io.Writer) error {
		w := protocol.NewWriter(out)
		resp, _ := protocol.NewResult(protocol.CapSysInfo, protocol.SysInfo{})
		if err := w.WriteEnvelope(protocol.NewEnvelope(protocol.NewID(), resp)); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, in)
		return nil
	})
	c := New("web1", sess)
	defer c.Close()

	_, err := c.AwaitHelloAck(context.Background(), timeout)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.UnexpectedMessageKind))
}

func TestMissingBinarySurfacesExitStatus(t *testing.T) {
	sess := testutil.ExitedSession(&transport.Error{
		Kind:       transport.CommandFailed,
		Host:       "web1",
		ExitStatus: 127,
		Stderr:     "bash: /home/u/.local/share/slarti/agent/1.2.0/slarti-agent: No such file or directory",
	})
	c := New("web1", sess)
	defer c.Close()

	_, err := c.AwaitHelloAck(context.Background(), timeout)
	require.Error(t, err)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.CommandFailed, terr.Kind)
	assert.Equal(t, 127, terr.ExitStatus)
}

func TestCleanExitWithoutOutputIsDecodeFailure(t *testing.T) {
	sess := testutil.NewPipeSession(func(context.Context, io.Reader, io.Writer) error { return nil })
	c := New("web1", sess)
	defer c.Close()

	_, err := c.AwaitHelloAck(context.Background(), timeout)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.DecodeFailure))
}

func TestFatalAgentErrorPoisons(t *testing.T) {
	sess := testutil.NewPipeSession(func(_ context.Context, in io.Reader, out io.Writer) error {
		w := protocol.NewWriter(out)
		body := protocol.ErrorBody{Code: protocol.CodeDecodeFailure, Message: "record is not json"}
		if err := w.WriteEnvelope(protocol.NewEnvelope("", body)); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, in)
		return nil
	})
	c := New("web1", sess)
	defer c.Close()

	_, err := c.AwaitHelloAck(context.Background(), timeout)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.DecodeFailure))
	assert.Contains(t, err.Error(), "record is not json")
}
