package protocol

import (
	"bytes"

	json "github.com/json-iterator/go"
)

var codec = json.ConfigCompatibleWithStandardLibrary

// RawMessage is an undecoded JSON value.
type RawMessage = json.RawMessage

// Delimiter terminates every record on the wire.
const Delimiter = '\n'

type wireEnvelope struct {
	ID      string     `json:"id"`
	Kind    Kind       `json:"kind"`
	Payload RawMessage `json:"payload"`
}

// Encode serializes e as one newline-terminated JSON record.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &Error{Kind: DecodeFailure, ID: e.ID, Msg: "invalid envelope", Err: err}
	}
	payload, err := codec.Marshal(e.Payload)
	if err != nil {
		return nil, &Error{Kind: DecodeFailure, ID: e.ID, Msg: "marshal payload", Err: err}
	}
	out, err := codec.Marshal(wireEnvelope{ID: e.ID, Kind: e.Kind, Payload: payload})
	if err != nil {
		return nil, &Error{Kind: DecodeFailure, ID: e.ID, Msg: "marshal envelope", Err: err}
	}
	return append(out, Delimiter), nil
}

// Decode parses exactly one newline-terminated record. Anything else,
// including a record missing its terminator, is a DecodeFailure.
// Unknown fields are ignored; missing required fields are not.
func Decode(b []byte) (Envelope, error) {
	if len(b) == 0 || b[len(b)-1] != Delimiter {
		return Envelope{}, decodeErr("", nil, "record is not newline terminated")
	}
	body := b[:len(b)-1]
	if bytes.IndexByte(body, Delimiter) >= 0 {
		return Envelope{}, decodeErr("", nil, "more than one record")
	}
	body = bytes.TrimSuffix(body, []byte{'\r'})

	var w wireEnvelope
	if err := codec.Unmarshal(body, &w); err != nil {
		return Envelope{}, decodeErr("", err, "malformed envelope")
	}
	if !w.Kind.valid() {
		return Envelope{}, decodeErr(w.ID, nil, "unknown kind %q", w.Kind)
	}
	if len(w.Payload) == 0 || bytes.Equal(w.Payload, []byte("null")) {
		return Envelope{}, decodeErr(w.ID, nil, "missing payload")
	}

	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return Envelope{}, decodeErr(w.ID, err, "invalid %s payload", w.Kind)
	}
	e := Envelope{ID: w.ID, Kind: w.Kind, Payload: payload}
	if err := e.Validate(); err != nil {
		return Envelope{}, decodeErr(w.ID, err, "invalid envelope")
	}
	return e, nil
}

func decodePayload(kind Kind, raw RawMessage) (Payload, error) {
	switch kind {
	case KindHello:
		var v Hello
		err := codec.Unmarshal(raw, &v)
		return v, err
	case KindHelloAck:
		var v HelloAck
		err := codec.Unmarshal(raw, &v)
		return v, err
	case KindRequest:
		var v Request
		err := codec.Unmarshal(raw, &v)
		return v, err
	case KindResponse:
		var v Response
		err := codec.Unmarshal(raw, &v)
		return v, err
	default:
		var v ErrorBody
		err := codec.Unmarshal(raw, &v)
		return v, err
	}
}
