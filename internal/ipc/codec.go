package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrNoMethod  = errors.New("message has no method")
)

// Envelope is the union of every shape an inbound line can take. The main
// loop decides from its id whether it answers a pending capability call or
// is a new request.
type Envelope struct {
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Reply is a host answer to an outbound capability call.
type Reply struct {
	ID     ID
	Result json.RawMessage
	Error  json.RawMessage
}

// Decode parses one line. Anything that is not a JSON object is ErrMalformed.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Envelope{}, ErrMalformed
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// IsReply reports whether the envelope looks like an answer rather than a call.
func (e Envelope) IsReply() bool {
	return e.Method == "" && len(e.ID) > 0 && (len(e.Result) > 0 || len(e.Error) > 0)
}

func (e Envelope) Request() (Request, error) {
	if e.Method == "" {
		return Request{}, ErrNoMethod
	}
	return Request{ID: e.ID, Method: e.Method, Params: e.Params}, nil
}

func (e Envelope) Reply() Reply {
	return Reply{ID: e.ID, Result: e.Result, Error: e.Error}
}

// ErrorText extracts a message from an error field that may be a bare string
// or an object carrying "message".
func ErrorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// DecodeParams unmarshals request params into a map, treating absent params
// as empty.
func DecodeParams(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
