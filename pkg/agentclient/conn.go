// Package agentclient speaks the agent protocol over a transport session.
package agentclient

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/pkg/errors"
)

// exitWait bounds how long a closed stream waits for the remote exit
// status, which is what tells "binary missing" apart from "agent crashed".
const exitWait = 2 * time.Second

// Conn is one live, handshaken channel to an agent. Calls are strictly
// sequential: one request is written and its response read before the
// next request goes out. Conn is owned by whoever opened it and must be
// closed on every path.
type Conn struct {
	host string
	sess transport.Session
	r    *protocol.Reader
	w    *protocol.Writer

	mu     sync.Mutex
	broken error
	info   protocol.VersionInfo
}

// New wraps an open session. Nothing is read until AwaitHelloAck.
func New(host string, sess transport.Session) *Conn {
	return &Conn{
		host: host,
		sess: sess,
		r:    protocol.NewReader(sess),
		w:    protocol.NewWriter(sess),
	}
}

// Host returns the alias the connection was opened against.
func (c *Conn) Host() string { return c.host }

// Info returns the version advertised in the handshake.
func (c *Conn) Info() protocol.VersionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// AwaitHelloAck reads the agent's unsolicited advertisement, which must be
// the first message on the stream.
func (c *Conn) AwaitHelloAck(ctx context.Context, timeout time.Duration) (protocol.VersionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.read(ctx, "handshake", timeout)
	if err != nil {
		return protocol.VersionInfo{}, err
	}
	ack, ok := env.Payload.(protocol.HelloAck)
	if !ok {
		return protocol.VersionInfo{}, c.poison(protocol.NewUnexpectedKind(env.Kind, protocol.KindHelloAck))
	}
	c.info = ack.VersionInfo()
	return c.info, nil
}

// Hello sends the optional client greeting and waits for the echoed ack.
func (c *Conn) Hello(ctx context.Context, clientVersion string, timeout time.Duration) (protocol.VersionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := protocol.NewID()
	env, err := c.roundTrip(ctx, "hello", id, protocol.Hello{ClientVersion: clientVersion}, timeout)
	if err != nil {
		return protocol.VersionInfo{}, err
	}
	ack, ok := env.Payload.(protocol.HelloAck)
	if !ok {
		return protocol.VersionInfo{}, c.poison(protocol.NewUnexpectedKind(env.Kind, protocol.KindHelloAck))
	}
	c.info = ack.VersionInfo()
	return c.info, nil
}

// Call issues one request and waits for its response. An Error envelope
// from the agent is returned as a protocol.ErrorBody error and leaves the
// connection usable; a timeout or a mismatched reply does not.
func (c *Conn) Call(ctx context.Context, capability protocol.Capability, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	req, err := protocol.NewRequest(capability, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := protocol.NewID()
	env, err := c.roundTrip(ctx, string(capability), id, req, timeout)
	if err != nil {
		return nil, err
	}

	switch p := env.Payload.(type) {
	case protocol.Response:
		if p.Capability != capability {
			return nil, c.poison(&protocol.Error{
				Kind: protocol.UnexpectedMessageKind,
				ID:   id,
				Msg:  "response for " + string(p.Capability) + ", requested " + string(capability),
			})
		}
		return &p, nil
	case protocol.ErrorBody:
		return nil, p
	default:
		return nil, c.poison(protocol.NewUnexpectedKind(env.Kind, protocol.KindResponse, protocol.KindError))
	}
}

// Close releases the session.
func (c *Conn) Close() error {
	return c.sess.Close()
}

func (c *Conn) roundTrip(ctx context.Context, op, id string, payload protocol.Payload, timeout time.Duration) (protocol.Envelope, error) {
	if err := c.usable(); err != nil {
		return protocol.Envelope{}, err
	}
	if err := c.w.WriteEnvelope(protocol.NewEnvelope(id, payload)); err != nil {
		return protocol.Envelope{}, c.poison(c.streamEnded(ctx, err))
	}

	env, err := c.read(ctx, op, timeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if env.ID != id {
		return protocol.Envelope{}, c.poison(&protocol.Error{
			Kind: protocol.UnexpectedMessageKind,
			ID:   env.ID,
			Msg:  "response id does not match request " + id,
		})
	}
	return env, nil
}

type readResult struct {
	env protocol.Envelope
	err error
}

// read waits for one envelope. Expiry poisons the connection: a reply
// arriving later would be taken as the answer to the next request.
func (c *Conn) read(ctx context.Context, op string, timeout time.Duration) (protocol.Envelope, error) {
	if err := c.usable(); err != nil {
		return protocol.Envelope{}, err
	}

	ch := make(chan readResult, 1)
	go func() {
		env, err := c.r.ReadEnvelope()
		ch <- readResult{env: env, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) || !isProtocolErr(res.err) {
				return protocol.Envelope{}, c.poison(c.streamEnded(ctx, res.err))
			}
			return protocol.Envelope{}, c.poison(res.err)
		}
		if body, ok := res.env.Payload.(protocol.ErrorBody); ok && res.env.ID == "" {
			// the agent could not parse what we sent and has gone away
			return protocol.Envelope{}, c.poison(&protocol.Error{Kind: protocol.DecodeFailure, Msg: body.Error()})
		}
		return res.env, nil
	case <-expired:
		logtrace.Warn(ctx, "agent did not answer in time", logtrace.Fields{
			logtrace.FieldModule: "agentclient",
			logtrace.FieldTarget: c.host,
			logtrace.FieldMethod: op,
		})
		return protocol.Envelope{}, c.poison(&transport.Error{
			Kind:       transport.Timeout,
			Host:       c.host,
			Op:         op,
			ExitStatus: -1,
			Stderr:     c.sess.Stderr(),
			Err:        context.DeadlineExceeded,
		})
	case <-ctx.Done():
		return protocol.Envelope{}, c.poison(errors.Wrap(ctx.Err(), op))
	}
}

// streamEnded turns a closed or failed stream into the most specific
// error available: the remote exit status when there is one.
func (c *Conn) streamEnded(ctx context.Context, cause error) error {
	waitCtx, cancel := context.WithTimeout(ctx, exitWait)
	defer cancel()
	if err := c.sess.Wait(waitCtx); err != nil && transport.KindOf(err) != "" && transport.KindOf(err) != transport.Timeout {
		return err
	}
	return &protocol.Error{Kind: protocol.DecodeFailure, Msg: "agent stream closed", Err: cause}
}

func (c *Conn) usable() error {
	if c.broken != nil {
		return errors.Wrap(c.broken, "connection unusable")
	}
	return nil
}

func (c *Conn) poison(err error) error {
	if c.broken == nil {
		c.broken = err
	}
	return err
}

func isProtocolErr(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr)
}
