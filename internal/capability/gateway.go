package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cinience/crew-connect/internal/ipc"
	"github.com/google/uuid"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrGatewayClosed     = errors.New("capability gateway closed")
)

// Sender writes one outbound message to the host.
type Sender interface {
	Send(v any) error
}

// Result is the outcome of a capability call as reported by the host.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Gateway turns a blocking Invoke into an outbound request plus a wait for the
// reply with the same id. Replies are handed in by the main loop via Deliver.
// Calls have no timeout; only ctx cancellation or Close unblocks a waiter.
type Gateway struct {
	sender Sender
	logger *slog.Logger
	newID  func() string

	mu      sync.Mutex
	pending map[string]chan ipc.Reply
	closed  bool
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

func NewGateway(sender Sender, opts ...Option) *Gateway {
	g := &Gateway{
		sender:  sender,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:   uuid.NewString,
		pending: map[string]chan ipc.Reply{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Invoke calls a host capability and blocks until its reply arrives. Host-side
// failures come back as a Result with Success=false; the error return is for
// calls that never got an answer.
func (g *Gateway) Invoke(ctx context.Context, name Name, params map[string]any) (Result, error) {
	desc, ok := Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	var payload any = params
	if desc.Method == MethodToolRequest {
		payload = map[string]any{"tool_name": string(name), "tool_params": params}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s params: %w", name, err)
	}

	id := "cap-" + g.newID()
	ch := make(chan ipc.Reply, 1)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Result{}, ErrGatewayClosed
	}
	g.pending[id] = ch
	g.mu.Unlock()
	defer g.forget(id)

	g.logger.Debug("capability call", "id", id, "capability", name)
	if err := g.sender.Send(ipc.Request{ID: ipc.StringID(id), Method: desc.Method, Params: raw}); err != nil {
		return Result{}, fmt.Errorf("send %s request: %w", name, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Result{}, ErrGatewayClosed
		}
		res := decodeReply(reply)
		if !res.Success {
			g.logger.Warn("capability failed", "id", id, "capability", name, "error", res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Deliver routes a reply to its waiting call. It reports false when no call
// with that id is pending, leaving the message to the caller.
func (g *Gateway) Deliver(reply ipc.Reply) bool {
	key := reply.ID.Key()
	if key == "" {
		return false
	}
	g.mu.Lock()
	ch, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// IsPending reports whether a call with the given id is waiting for a reply.
func (g *Gateway) IsPending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}

func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close fails every pending call with ErrGatewayClosed and rejects new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
}

func (g *Gateway) forget(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

type replyBody struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func decodeReply(r ipc.Reply) Result {
	if msg := ipc.ErrorText(r.Error); msg != "" {
		return Result{Error: msg}
	}
	var body replyBody
	if err := json.Unmarshal(r.Result, &body); err != nil || body.Success == nil {
		return Result{Success: true, Data: r.Result}
	}
	if !*body.Success {
		msg := ipc.ErrorText(body.Error)
		if msg == "" {
			msg = "capability call failed"
		}
		return Result{Error: msg}
	}
	data := body.Data
	if len(data) == 0 {
		data = body.Result
	}
	return Result{Success: true, Data: data}
}
