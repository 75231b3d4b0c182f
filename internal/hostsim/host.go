package hostsim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cinience/crew-connect/internal/ipc"
)

var ErrHostClosed = errors.New("host closed")

// Message is one line written by the worker.
type Message struct {
	ipc.Envelope
	Timestamp string          `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

func (m Message) ErrorText() string { return ipc.ErrorText(m.Error) }

// Host plays the editor side of the protocol: it sends requests to a worker,
// collects responses and notifications, and answers the worker's capability
// calls through a Responder.
type Host struct {
	toWorker   io.Writer
	fromWorker io.Reader
	responder  Responder
	logger     *slog.Logger

	// OnNotification, when set, sees every notification in arrival order.
	OnNotification func(Message)
	// OnCapability, when set, sees every capability request before it is
	// answered.
	OnCapability func(Message)
	// OnUnmatched, when set, receives responses to lines written with
	// SendLine, which have no waiting Call.
	OnUnmatched func(Message)

	wmu    sync.Mutex
	seq    atomic.Int64
	mu     sync.Mutex
	calls  map[string]chan Message
	closed bool
	wg     sync.WaitGroup
}

func New(toWorker io.Writer, fromWorker io.Reader, r Responder, logger *slog.Logger) *Host {
	if r == nil {
		r = Echo()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{
		toWorker:   toWorker,
		fromWorker: fromWorker,
		responder:  r,
		logger:     logger.With("component", "hostsim"),
		calls:      map[string]chan Message{},
	}
}

// Run reads worker output until it ends. Capability requests are answered
// concurrently; everything else is routed synchronously.
func (h *Host) Run(ctx context.Context) error {
	defer h.shutdown()
	sc := bufio.NewScanner(h.fromWorker)
	sc.Buffer(make([]byte, 64*1024), ipc.DefaultMaxLineBytes)
	for sc.Scan() {
		raw := append([]byte(nil), sc.Bytes()...)
		env, err := ipc.Decode(raw)
		if err != nil {
			h.logger.Warn("worker wrote a malformed line", "error", err)
			continue
		}
		var msg Message
		_ = json.Unmarshal(raw, &msg)
		msg.Envelope = env
		msg.Raw = raw

		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			if h.OnCapability != nil {
				h.OnCapability(msg)
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.answer(ctx, msg)
			}()
		case msg.Method != "":
			if h.OnNotification != nil {
				h.OnNotification(msg)
			}
		default:
			h.resolve(msg)
		}
	}
	h.wg.Wait()
	return sc.Err()
}

// Call sends a request and waits for the response with the same id.
func (h *Host) Call(ctx context.Context, method string, params any) (Message, error) {
	id := fmt.Sprintf("h-%d", h.seq.Add(1))
	ch := make(chan Message, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Message{}, ErrHostClosed
	}
	h.calls[id] = ch
	h.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, err
	}
	if err := h.write(ipc.Request{ID: ipc.StringID(id), Method: method, Params: raw}); err != nil {
		h.forget(id)
		return Message{}, err
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrHostClosed
		}
		return msg, nil
	case <-ctx.Done():
		h.forget(id)
		return Message{}, ctx.Err()
	}
}

// SendLine writes a raw line to the worker, for exercising malformed input.
func (h *Host) SendLine(line string) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := io.WriteString(h.toWorker, line+"\n")
	return err
}

func (h *Host) answer(ctx context.Context, req Message) {
	reply := map[string]any{"id": req.ID}
	data, err := h.responder.Respond(ctx, req.Method, req.Params)
	if err != nil {
		reply["result"] = map[string]any{"success": false, "error": err.Error()}
	} else {
		reply["result"] = map[string]any{"success": true, "data": data}
	}
	if err := h.write(reply); err != nil {
		h.logger.Warn("capability reply not delivered", "id", req.ID.Key(), "error", err)
	}
}

func (h *Host) resolve(msg Message) {
	key := msg.ID.Key()
	h.mu.Lock()
	ch, ok := h.calls[key]
	delete(h.calls, key)
	h.mu.Unlock()
	if !ok {
		if h.OnUnmatched != nil {
			h.OnUnmatched(msg)
			return
		}
		h.logger.Warn("response for unknown request", "id", key)
		return
	}
	ch <- msg
}

func (h *Host) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err = h.toWorker.Write(append(b, '\n'))
	return err
}

func (h *Host) forget(id string) {
	h.mu.Lock()
	delete(h.calls, id)
	h.mu.Unlock()
}

func (h *Host) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.calls {
		close(ch)
		delete(h.calls, id)
	}
}
