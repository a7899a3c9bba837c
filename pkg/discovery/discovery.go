// Package discovery runs the discovery battery against a connected agent
// and collects whatever each capability returned.
package discovery

import (
	"context"
	"time"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/grenade/slarti/pkg/transport"
	"github.com/pkg/errors"
)

// DefaultRequestTimeout leaves room for the agent's own per-probe limit.
const DefaultRequestTimeout = 30 * time.Second

// Caller is the part of an agent connection discovery needs.
// *agentclient.Conn implements it.
type Caller interface {
	Info() protocol.VersionInfo
	Call(ctx context.Context, capability protocol.Capability, params interface{}, timeout time.Duration) (*protocol.Response, error)
}

// Outcome is what one capability produced: a payload or a failure.
type Outcome struct {
	Capability protocol.Capability
	Payload    protocol.RawMessage
	Failure    *protocol.Failure
	Duration   time.Duration
}

// OK reports whether the capability returned a payload.
func (o Outcome) OK() bool { return o.Failure == nil }

// Result is a partial-by-design discovery report.
type Result struct {
	Alias        string
	AgentVersion string
	// Order is the order capabilities were issued in.
	Order    []protocol.Capability
	Outcomes map[protocol.Capability]Outcome
	Warnings []string
	// SessionErr is why the session broke part way through, if it did.
	SessionErr error
}

func newResult(alias, version string) *Result {
	return &Result{Alias: alias, AgentVersion: version, Outcomes: map[protocol.Capability]Outcome{}}
}

// Decode unmarshals a capability's payload into into.
func (r *Result) Decode(c protocol.Capability, into interface{}) error {
	o, ok := r.Outcomes[c]
	if !ok {
		return errors.Errorf("%s was not requested", c)
	}
	if o.Failure != nil {
		return o.Failure
	}
	resp := protocol.Response{Capability: c, Result: o.Payload}
	return resp.DecodeResult(into)
}

// Failed lists the capabilities without a payload, in issue order.
func (r *Result) Failed() []protocol.Capability {
	var out []protocol.Capability
	for _, c := range r.Order {
		if !r.Outcomes[c].OK() {
			out = append(out, c)
		}
	}
	return out
}

func (r *Result) add(o Outcome) {
	r.Order = append(r.Order, o.Capability)
	r.Outcomes[o.Capability] = o
	if o.Failure != nil {
		r.Warnings = append(r.Warnings, string(o.Capability)+": "+o.Failure.Reason)
	}
}

// Orchestrator issues a fixed battery, one request at a time.
type Orchestrator struct {
	battery []protocol.Capability
	timeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBattery replaces the default capability list.
func WithBattery(caps ...protocol.Capability) Option {
	return func(o *Orchestrator) { o.battery = append([]protocol.Capability(nil), caps...) }
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// New returns an orchestrator for the v1 battery.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{battery: protocol.DiscoveryBattery(), timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run issues every capability in the battery and never stops early: a
// failure is recorded and the next capability is tried. Once the session
// itself breaks, the remaining capabilities are failed without being sent.
func (o *Orchestrator) Run(ctx context.Context, alias string, conn Caller) *Result {
	info := conn.Info()
	res := newResult(alias, info.Version())
	fields := logtrace.Fields{
		logtrace.FieldModule:  "discovery",
		logtrace.FieldAlias:   alias,
		logtrace.FieldVersion: info.Version(),
	}

	var broken error
	for _, c := range o.battery {
		switch {
		case broken != nil:
			res.add(Outcome{Capability: c, Failure: &protocol.Failure{
				Code:   protocol.FailureSession,
				Reason: "not sent, session failed: " + broken.Error(),
			}})
			continue
		case ctx.Err() != nil:
			res.add(Outcome{Capability: c, Failure: &protocol.Failure{Code: protocol.FailureSession, Reason: ctx.Err().Error()}})
			continue
		case !info.Supports(c):
			res.add(Outcome{Capability: c, Failure: &protocol.Failure{
				Code:   protocol.FailureUnsupported,
				Reason: "agent " + info.Version() + " does not advertise " + string(c),
			}})
			continue
		}

		start := time.Now()
		resp, err := conn.Call(ctx, c, nil, o.timeout)
		out := Outcome{Capability: c, Duration: time.Since(start)}

		switch {
		case err == nil && resp.Failure != nil:
			out.Failure = resp.Failure
		case err == nil:
			out.Payload = resp.Result
		default:
			out.Failure = failureFor(err)
			var body protocol.ErrorBody
			if !errors.As(err, &body) {
				broken = err
				res.SessionErr = err
				logtrace.Warn(ctx, "agent session failed during discovery", logtrace.WithFields(fields, logtrace.Fields{
					logtrace.FieldCapability: string(c),
					logtrace.FieldError:      err.Error(),
				}))
			}
		}
		res.add(out)
	}

	logtrace.Info(ctx, "discovery finished", logtrace.WithFields(fields, logtrace.Fields{
		"requested": len(res.Order),
		"failed":    len(res.Failed()),
	}))
	return res
}

func failureFor(err error) *protocol.Failure {
	var body protocol.ErrorBody
	if errors.As(err, &body) {
		code := protocol.FailureProbe
		if body.Code == protocol.CodeUnsupported {
			code = protocol.FailureUnsupported
		}
		return &protocol.Failure{Code: code, Reason: body.Message}
	}
	if transport.IsKind(err, transport.Timeout) {
		return &protocol.Failure{Code: protocol.FailureTimeout, Reason: err.Error()}
	}
	return &protocol.Failure{Code: protocol.FailureSession, Reason: err.Error()}
}
