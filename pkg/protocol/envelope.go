package protocol

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindHello    Kind = "hello"
	KindHelloAck Kind = "hello_ack"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

func (k Kind) valid() bool {
	switch k {
	case KindHello, KindHelloAck, KindRequest, KindResponse, KindError:
		return true
	}
	return false
}

// Payload is the kind-specific body of an Envelope.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Envelope is one message on the wire. ID correlates a request with its
// response; the channel carries no other ordering mechanism.
type Envelope struct {
	ID      string
	Kind    Kind
	Payload Payload
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// NewEnvelope wraps payload with the given id, deriving the kind.
func NewEnvelope(id string, payload Payload) Envelope {
	return Envelope{ID: id, Kind: payload.Kind(), Payload: payload}
}

// Validate checks the envelope is complete and self-consistent. Only
// error envelopes may carry an empty id: a record that could not be
// parsed has no id to echo.
func (e Envelope) Validate() error {
	if !e.Kind.valid() {
		return errors.Errorf("unknown kind %q", e.Kind)
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	if e.Payload.Kind() != e.Kind {
		return errors.Errorf("payload kind %q does not match envelope kind %q", e.Payload.Kind(), e.Kind)
	}
	if e.ID == "" && e.Kind != KindError {
		return errors.New("missing id")
	}
	return e.Payload.Validate()
}
