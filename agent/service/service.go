// Package service implements the agent side of the protocol: advertise,
// then answer one request at a time until the stream ends.
package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
)

// DefaultHandlerTimeout bounds a single discovery operation.
const DefaultHandlerTimeout = 20 * time.Second

// State is the session lifecycle.
type State int32

const (
	Starting State = iota
	AwaitingHello
	Serving
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case AwaitingHello:
		return "awaiting_hello"
	case Serving:
		return "serving"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler answers one capability. Returning a *protocol.Failure reports a
// typed failure; any other error becomes a probe failure. Handlers must
// not change host state.
type Handler func(ctx context.Context, req protocol.Request) (interface{}, error)

// Service is a single-session request loop. It is not safe to Run twice.
type Service struct {
	info     protocol.VersionInfo
	handlers map[protocol.Capability]Handler
	timeout  time.Duration
	state    atomic.Int32
}

// Option configures a Service.
type Option func(*Service)

// WithHandlerTimeout overrides DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// New builds a service advertising version and exactly the capabilities
// that have a handler.
func New(version string, handlers map[protocol.Capability]Handler, opts ...Option) *Service {
	caps := make([]protocol.Capability, 0, len(handlers))
	hs := make(map[protocol.Capability]Handler, len(handlers))
	for c, h := range handlers {
		if h == nil || c.Reserved() {
			continue
		}
		caps = append(caps, c)
		hs[c] = h
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	s := &Service{
		info:     protocol.NewVersionInfo(version, caps...),
		handlers: hs,
		timeout:  DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info is what the service advertises.
func (s *Service) Info() protocol.VersionInfo { return s.info }

// State returns the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(ctx context.Context, st State) {
	if State(s.state.Swap(int32(st))) != st {
		logtrace.Debug(ctx, "agent state", logtrace.Fields{logtrace.FieldModule: "agent", logtrace.FieldState: st.String()})
	}
}

// Run serves one session over in/out. It returns nil when the input ends
// cleanly and an error when the stream becomes unusable.
func (s *Service) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.setState(ctx, Starting)
	defer s.setState(ctx, Terminated)

	r := protocol.NewReader(in)
	w := protocol.NewWriter(out)

	// The agent speaks first so the client knows when to start reading.
	if err := w.WriteEnvelope(protocol.NewEnvelope(protocol.NewID(), protocol.NewHelloAck(s.info))); err != nil {
		return errors.Wrap(err, "advertise")
	}
	s.setState(ctx, AwaitingHello)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		env, err := r.ReadEnvelope()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *protocol.Error
			if !errors.As(err, &perr) {
				return errors.Wrap(err, "read request")
			}
			body := protocol.ErrorBody{Code: protocol.CodeDecodeFailure, Message: perr.Error()}
			if perr.Recoverable() {
				if err := w.WriteEnvelope(protocol.NewEnvelope(perr.ID, body)); err != nil {
					return errors.Wrap(err, "write error")
				}
				continue
			}
			logtrace.Error(ctx, "unrecoverable decode failure", logtrace.Fields{
				logtrace.FieldModule: "agent",
				logtrace.FieldError:  perr.Error(),
			})
			_ = w.WriteEnvelope(protocol.NewEnvelope("", body))
			return perr
		}

		reply := s.handle(ctx, env)
		if err := w.WriteEnvelope(reply); err != nil {
			return errors.Wrap(err, "write reply")
		}
	}
}

func (s *Service) handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	switch p := env.Payload.(type) {
	case protocol.Hello:
		logtrace.Info(ctx, "client hello", logtrace.Fields{
			logtrace.FieldModule:  "agent",
			logtrace.FieldVersion: p.ClientVersion,
		})
		s.setState(ctx, Serving)
		return protocol.NewEnvelope(env.ID, protocol.NewHelloAck(s.info))
	case protocol.Request:
		s.setState(ctx, Serving)
		return s.dispatch(ctx, env.ID, p)
	default:
		return protocol.NewEnvelope(env.ID, protocol.ErrorBody{
			Code:    protocol.CodeUnexpectedMessageKind,
			Message: fmt.Sprintf("agent does not accept %q messages", env.Kind),
		})
	}
}

func (s *Service) dispatch(ctx context.Context, id string, req protocol.Request) protocol.Envelope {
	h, ok := s.handlers[req.Capability]
	if !ok {
		msg := "capability not served by this agent"
		if req.Capability.Reserved() {
			msg = "capability reserved for a future streaming protocol"
		}
		return protocol.NewEnvelope(id, protocol.ErrorBody{
			Code:    protocol.CodeUnsupported,
			Message: fmt.Sprintf("%s: %s", req.Capability, msg),
		})
	}

	start := time.Now()
	result, err := s.invoke(ctx, h, req)
	fields := logtrace.Fields{
		logtrace.FieldModule:     "agent",
		logtrace.FieldCapability: string(req.Capability),
		logtrace.FieldRequestID:  id,
		logtrace.FieldDuration:   time.Since(start).String(),
	}

	if err != nil {
		failure := asFailure(err)
		fields[logtrace.FieldError] = failure.Error()
		logtrace.Warn(ctx, "capability failed", fields)
		return protocol.NewEnvelope(id, protocol.Response{Capability: req.Capability, Failure: failure})
	}

	resp, err := protocol.NewResult(req.Capability, result)
	if err != nil {
		return protocol.NewEnvelope(id, protocol.NewFailure(req.Capability, protocol.FailureProbe, err.Error()))
	}
	logtrace.Debug(ctx, "capability served", fields)
	return protocol.NewEnvelope(id, resp)
}

type outcome struct {
	result interface{}
	err    error
}

// invoke runs h with a deadline. A handler that overruns is abandoned;
// its late result is discarded, never written.
func (s *Service) invoke(ctx context.Context, h Handler, req protocol.Request) (interface{}, error) {
	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &protocol.Failure{Code: protocol.FailureProbe, Reason: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		res, err := h(hctx, req)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-hctx.Done():
		return nil, &protocol.Failure{Code: protocol.FailureTimeout, Reason: fmt.Sprintf("no result within %s", s.timeout)}
	}
}

func asFailure(err error) *protocol.Failure {
	var f *protocol.Failure
	if errors.As(err, &f) {
		if f.Reason == "" {
			f.Reason = string(f.Code)
		}
		return f
	}
	return &protocol.Failure{Code: protocol.FailureProbe, Reason: err.Error()}
}
