package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc  *Service
	in   *io.PipeWriter
	r    *protocol.Reader
	w    *protocol.Writer
	ack  protocol.Envelope
	done chan error
}

func start(t *testing.T, handlers map[protocol.Capability]Handler, opts ...Option) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &harness{
		svc:  New("1.2.0", handlers, opts...),
		in:   inW,
		r:    protocol.NewReader(outR),
		w:    protocol.NewWriter(inW),
		done: make(chan error, 1),
	}
	go func() {
		err := h.svc.Run(context.Background(), inR, outW)
		outW.Close()
		h.done <- err
	}()
	t.Cleanup(func() { inW.Close() })

	// nothing has been written to the agent yet
	ack, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	h.ack = ack
	return h
}

func (h *harness) call(t *testing.T, id string, c protocol.Capability) protocol.Envelope {
	t.Helper()
	require.NoError(t, h.w.WriteEnvelope(protocol.NewEnvelope(id, protocol.Request{Capability: c})))
	env, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	return env
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not terminate")
		return nil
	}
}

func okHandlers() map[protocol.Capability]Handler {
	return map[protocol.Capability]Handler{
		protocol.CapSysInfo: func(context.Context, protocol.Request) (interface{}, error) {
			return protocol.SysInfo{Hostname: "web1", OS: "linux"}, nil
		},
		protocol.CapContainersList: func(context.Context, protocol.Request) (interface{}, error) {
			return nil, &protocol.Failure{Code: protocol.FailureUnavailable, Reason: "no container runtime present"}
		},
		protocol.CapStaticConfig: func(context.Context, protocol.Request) (interface{}, error) {
			return nil, errors.New("read /proc/meminfo: permission denied")
		},
		protocol.CapMetricsStream: func(context.Context, protocol.Request) (interface{}, error) {
			return nil, nil
		},
	}
}

func TestAgentSpeaksFirst(t *testing.T) {
	h := start(t, okHandlers())

	require.Equal(t, protocol.KindHelloAck, h.ack.Kind)
	assert.NotEmpty(t, h.ack.ID)
	ack := h.ack.Payload.(protocol.HelloAck)
	assert.Equal(t, "1.2.0", ack.AgentVersion)
	assert.Equal(t, []protocol.Capability{protocol.CapContainersList, protocol.CapStaticConfig, protocol.CapSysInfo}, ack.Capabilities)
	assert.Eventually(t, func() bool { return h.svc.State() == AwaitingHello }, time.Second, 5*time.Millisecond)

	h.in.Close()
	assert.NoError(t, h.wait(t))
	assert.Equal(t, Terminated, h.svc.State())
}

func TestHelloIsAnsweredWithSameID(t *testing.T) {
	h := start(t, okHandlers())

	require.NoError(t, h.w.WriteEnvelope(protocol.NewEnvelope("h1", protocol.Hello{ClientVersion: "1.2.0"})))
	env, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "h1", env.ID)
	assert.Equal(t, protocol.KindHelloAck, env.Kind)
	assert.Equal(t, Serving, h.svc.State())
}

func TestRequestsAreAnsweredInOrder(t *testing.T) {
	h := start(t, okHandlers())

	env := h.call(t, "r1", protocol.CapSysInfo)
	assert.Equal(t, "r1", env.ID)
	resp := env.Payload.(protocol.Response)
	var info protocol.SysInfo
	require.NoError(t, resp.DecodeResult(&info))
	assert.Equal(t, "web1", info.Hostname)
	assert.Equal(t, Serving, h.svc.State())

	env = h.call(t, "r2", protocol.CapSysInfo)
	assert.Equal(t, "r2", env.ID)
}

func TestProbeFailureDoesNotEndSession(t *testing.T) {
	h := start(t, okHandlers())

	env := h.call(t, "c1", protocol.CapContainersList)
	resp := env.Payload.(protocol.Response)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, protocol.FailureUnavailable, resp.Failure.Code)
	assert.Equal(t, "no container runtime present", resp.Failure.Reason)

	env = h.call(t, "c2", protocol.CapStaticConfig)
	resp = env.Payload.(protocol.Response)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, protocol.FailureProbe, resp.Failure.Code)
	assert.Contains(t, resp.Failure.Reason, "meminfo")

	env = h.call(t, "c3", protocol.CapSysInfo)
	assert.Nil(t, env.Payload.(protocol.Response).Failure)
}

func TestUnsupportedCapability(t *testing.T) {
	h := start(t, okHandlers())

	for _, c := range []protocol.Capability{protocol.CapNetListeners, protocol.CapMetricsStream, "gpu_info"} {
		env := h.call(t, "u-"+string(c), c)
		assert.Equal(t, "u-"+string(c), env.ID)
		body, ok := env.Payload.(protocol.ErrorBody)
		require.True(t, ok)
		assert.Equal(t, protocol.CodeUnsupported, body.Code)
	}

	env := h.call(t, "after", protocol.CapSysInfo)
	assert.Equal(t, protocol.KindResponse, env.Kind)
}

func TestUnexpectedKindIsRejected(t *testing.T) {
	h := start(t, okHandlers())

	require.NoError(t, h.w.WriteEnvelope(protocol.NewEnvelope("x1", protocol.NewFailure(protocol.CapSysInfo, protocol.FailureProbe, "bogus"))))
	env, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "x1", env.ID)
	assert.Equal(t, protocol.CodeUnexpectedMessageKind, env.Payload.(protocol.ErrorBody).Code)
}

func TestRecoverableDecodeFailure(t *testing.T) {
	h := start(t, okHandlers())

	_, err := h.in.Write([]byte(`{"id":"bad1","kind":"request","payload":{},"extra":1}` + "\n"))
	require.NoError(t, err)
	env, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "bad1", env.ID)
	assert.Equal(t, protocol.CodeDecodeFailure, env.Payload.(protocol.ErrorBody).Code)

	env = h.call(t, "ok", protocol.CapSysInfo)
	assert.Equal(t, protocol.KindResponse, env.Kind)
}

func TestUnrecoverableDecodeFailureTerminates(t *testing.T) {
	h := start(t, okHandlers())

	_, err := h.in.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	env, err := h.r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "", env.ID)
	assert.Equal(t, protocol.CodeDecodeFailure, env.Payload.(protocol.ErrorBody).Code)

	// nothing further is sent
	_, err = h.r.ReadEnvelope()
	assert.ErrorIs(t, err, io.EOF)

	runErr := h.wait(t)
	assert.True(t, protocol.IsKind(runErr, protocol.DecodeFailure))
	assert.Equal(t, Terminated, h.svc.State())
}

func TestHandlerPanicAndTimeout(t *testing.T) {
	handlers := map[protocol.Capability]Handler{
		protocol.CapProcessesSummary: func(context.Context, protocol.Request) (interface{}, error) {
			panic("index out of range")
		},
		protocol.CapNetListeners: func(ctx context.Context, _ protocol.Request) (interface{}, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return protocol.NetListeners{}, nil
		},
	}
	h := start(t, handlers, WithHandlerTimeout(100*time.Millisecond))

	resp := h.call(t, "p1", protocol.CapProcessesSummary).Payload.(protocol.Response)
	require.NotNil(t, resp.Failure)
	assert.Contains(t, resp.Failure.Reason, "panic")

	resp = h.call(t, "t1", protocol.CapNetListeners).Payload.(protocol.Response)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, protocol.FailureTimeout, resp.Failure.Code)

	// the abandoned handler's late result never reaches the stream
	env := h.call(t, "p2", protocol.CapProcessesSummary)
	assert.Equal(t, "p2", env.ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_hello", AwaitingHello.String())
	assert.Equal(t, "terminated", Terminated.String())
}
