package protocol

import (
	"github.com/pkg/errors"
)

// Hello is the optional client greeting.
type Hello struct {
	ClientVersion string `json:"client_version"`
}

func (Hello) Kind() Kind { return KindHello }

func (h Hello) Validate() error {
	if h.ClientVersion == "" {
		return errors.New("hello: client_version is required")
	}
	return nil
}

// HelloAck is the agent's advertisement, sent first and unconditionally.
type HelloAck struct {
	AgentVersion string       `json:"agent_version"`
	Capabilities []Capability `json:"capabilities"`
}

// NewHelloAck builds the advertisement for info.
func NewHelloAck(info VersionInfo) HelloAck {
	return HelloAck{AgentVersion: info.Version(), Capabilities: info.Capabilities()}
}

func (HelloAck) Kind() Kind { return KindHelloAck }

func (a HelloAck) Validate() error {
	if a.AgentVersion == "" {
		return errors.New("hello_ack: agent_version is required")
	}
	if a.Capabilities == nil {
		return errors.New("hello_ack: capabilities is required")
	}
	return nil
}

// VersionInfo converts the advertisement to an immutable VersionInfo.
func (a HelloAck) VersionInfo() VersionInfo {
	return NewVersionInfo(a.AgentVersion, a.Capabilities...)
}

// Request asks for one capability. Params is capability-specific and
// optional.
type Request struct {
	Capability Capability `json:"capability"`
	Params     RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request for c, marshalling params when non-nil.
func NewRequest(c Capability, params interface{}) (Request, error) {
	req := Request{Capability: c}
	if params == nil {
		return req, nil
	}
	raw, err := codec.Marshal(params)
	if err != nil {
		return Request{}, errors.Wrapf(err, "marshal %s params", c)
	}
	req.Params = raw
	return req, nil
}

// DecodeParams unmarshals the request parameters into v. Absent params
// leave v untouched.
func (r Request) DecodeParams(v interface{}) error {
	if len(r.Params) == 0 {
		return nil
	}
	return errors.Wrapf(codec.Unmarshal(r.Params, v), "decode %s params", r.Capability)
}

func (Request) Kind() Kind { return KindRequest }

func (r Request) Validate() error {
	if r.Capability == "" {
		return errors.New("request: capability is required")
	}
	return nil
}

// Response answers one Request: exactly one of Result or Failure is set.
type Response struct {
	Capability Capability `json:"capability"`
	Result     RawMessage `json:"result,omitempty"`
	Failure    *Failure   `json:"failure,omitempty"`
}

func (Response) Kind() Kind { return KindResponse }

func (r Response) Validate() error {
	if r.Capability == "" {
		return errors.New("response: capability is required")
	}
	hasResult := len(r.Result) > 0
	if hasResult == (r.Failure != nil) {
		return errors.New("response: exactly one of result or failure is required")
	}
	if r.Failure != nil && r.Failure.Reason == "" {
		return errors.New("response: failure.reason is required")
	}
	return nil
}

// NewResult marshals v as the successful result for capability c.
func NewResult(c Capability, v interface{}) (Response, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return Response{}, errors.Wrapf(err, "marshal %s result", c)
	}
	return Response{Capability: c, Result: raw}, nil
}

// NewFailure builds a failed response for capability c.
func NewFailure(c Capability, code FailureCode, reason string) Response {
	return Response{Capability: c, Failure: &Failure{Code: code, Reason: reason}}
}

// DecodeResult unmarshals the result into v.
func (r Response) DecodeResult(v interface{}) error {
	if r.Failure != nil {
		return r.Failure
	}
	if err := codec.Unmarshal(r.Result, v); err != nil {
		return errors.Wrapf(err, "decode %s result", r.Capability)
	}
	return nil
}

// ErrorBody reports a request that could not be dispatched at all.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (ErrorBody) Kind() Kind { return KindError }

func (e ErrorBody) Validate() error {
	if e.Code == "" {
		return errors.New("error: code is required")
	}
	return nil
}

func (e ErrorBody) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}
