package ipc

import (
	"encoding/json"
	"time"
)

// ID is a correlation token. It is kept as raw JSON so that a response echoes
// exactly what the host sent, whether that was a string or a number.
type ID []byte

func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = nil
		return nil
	}
	*id = append((*id)[:0], b...)
	return nil
}

// Key returns the token as a plain string, unquoting string ids.
func (id ID) Key() string {
	if len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

func (id ID) String() string { return id.Key() }

// Request is either an inbound call from the host or an outbound capability
// call made by the worker.
type Request struct {
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is written.
type Response struct {
	ID     ID
	Result any
	Error  string
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			ID    ID     `json:"id,omitempty"`
			Error string `json:"error"`
		}{r.ID, r.Error})
	}
	result := r.Result
	if result == nil {
		result = map[string]any{}
	}
	return json.Marshal(struct {
		ID     ID  `json:"id,omitempty"`
		Result any `json:"result"`
	}{r.ID, result})
}

// Notification is an unsolicited, id-less message to the host.
type Notification struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	Timestamp string `json:"timestamp"`
}

func NewResult(id ID, result any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{ID: id, Result: result}
}

func NewError(id ID, msg string) Response {
	if msg == "" {
		msg = "unknown error"
	}
	return Response{ID: id, Error: msg}
}

func NewNotification(method string, params any, now time.Time) Notification {
	return Notification{Method: method, Params: params, Timestamp: Timestamp(now)}
}

// Timestamp renders t the way every message on the wire does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Notification methods sent to the host.
const (
	MethodStatusUpdate  = "status_update"
	MethodTaskProgress  = "task_progress"
	MethodTaskCompleted = "task_completed"
	MethodTaskFailed    = "task_failed"
)
