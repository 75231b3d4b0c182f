package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cinience/crew-connect/internal/ipc"
)

// loopbackHost answers every request it is sent by calling reply.
type loopbackHost struct {
	mu    sync.Mutex
	sent  []ipc.Request
	gw    *Gateway
	reply func(req ipc.Request) ipc.Reply
	err   error
}

func (h *loopbackHost) Send(v any) error {
	if h.err != nil {
		return h.err
	}
	req := v.(ipc.Request)
	h.mu.Lock()
	h.sent = append(h.sent, req)
	h.mu.Unlock()
	if h.reply != nil {
		go h.gw.Deliver(h.reply(req))
	}
	return nil
}

func (h *loopbackHost) requests() []ipc.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ipc.Request(nil), h.sent...)
}

func newLoopback(reply func(ipc.Request) ipc.Reply) (*Gateway, *loopbackHost) {
	h := &loopbackHost{reply: reply}
	var n atomic.Int64
	h.gw = NewGateway(h, WithIDGenerator(func() string { return fmt.Sprint(n.Add(1)) }))
	return h.gw, h
}

func TestInvokeLLMCompletion(t *testing.T) {
	gw, host := newLoopback(func(req ipc.Request) ipc.Reply {
		return ipc.Reply{ID: req.ID, Result: json.RawMessage(`{"success":true,"data":"a plan"}`)}
	})
	res, err := gw.Invoke(context.Background(), LLMCompletion, map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || string(res.Data) != `"a plan"` {
		t.Fatalf("unexpected result: %+v", res)
	}
	reqs := host.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent=%d want=1", len(reqs))
	}
	if reqs[0].Method != MethodLLMRequest || reqs[0].ID.Key() != "cap-1" {
		t.Fatalf("unexpected request: method=%s id=%s", reqs[0].Method, reqs[0].ID)
	}
	if gw.Pending() != 0 {
		t.Fatalf("pending=%d after reply", gw.Pending())
	}
}

func TestInvokeToolWrapsParams(t *testing.T) {
	gw, host := newLoopback(func(req ipc.Request) ipc.Reply {
		return ipc.Reply{ID: req.ID, Result: json.RawMessage(`{"success":true}`)}
	})
	if _, err := gw.Invoke(context.Background(), FileOperations, map[string]any{"operation": "read"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	req := host.requests()[0]
	if req.Method != MethodToolRequest {
		t.Fatalf("method=%s want=%s", req.Method, MethodToolRequest)
	}
	var params struct {
		ToolName   string         `json:"tool_name"`
		ToolParams map[string]any `json:"tool_params"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.ToolName != "file_operations" || params.ToolParams["operation"] != "read" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestInvokeUnknownCapabilityDoesNotSend(t *testing.T) {
	gw, host := newLoopback(nil)
	_, err := gw.Invoke(context.Background(), Name("teleport"), nil)
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownCapability)
	}
	if len(host.requests()) != 0 {
		t.Fatalf("unknown capability reached the transport")
	}
}

func TestInvokeReportsHostFailure(t *testing.T) {
	cases := []struct {
		name  string
		reply ipc.Reply
		want  string
	}{
		{name: "success false", reply: ipc.Reply{Result: json.RawMessage(`{"success":false,"error":"disk full"}`)}, want: "disk full"},
		{name: "success false no message", reply: ipc.Reply{Result: json.RawMessage(`{"success":false}`)}, want: "capability call failed"},
		{name: "top level error", reply: ipc.Reply{Error: json.RawMessage(`"model unavailable"`)}, want: "model unavailable"},
		{name: "error object", reply: ipc.Reply{Error: json.RawMessage(`{"message":"quota"}`)}, want: "quota"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := newLoopback(func(req ipc.Request) ipc.Reply {
				r := tc.reply
				r.ID = req.ID
				return r
			})
			res, err := gw.Invoke(context.Background(), LLMCompletion, nil)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if res.Success || res.Error != tc.want {
				t.Fatalf("got=%+v want error %q", res, tc.want)
			}
		})
	}
}

func TestResultWithoutSuccessFieldIsData(t *testing.T) {
	gw, _ := newLoopback(func(req ipc.Request) ipc.Reply {
		return ipc.Reply{ID: req.ID, Result: json.RawMessage(`{"content":"done"}`)}
	})
	res, err := gw.Invoke(context.Background(), LLMCompletion, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || string(res.Data) != `{"content":"done"}` {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDeliverUnknownID(t *testing.T) {
	gw, _ := newLoopback(nil)
	if gw.Deliver(ipc.Reply{ID: ipc.StringID("cap-x"), Result: json.RawMessage(`{}`)}) {
		t.Fatalf("Deliver matched a call that was never made")
	}
	if gw.Deliver(ipc.Reply{}) {
		t.Fatalf("Deliver matched an empty id")
	}
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	gw, _ := newLoopback(func(req ipc.Request) ipc.Reply {
		var p map[string]any
		_ = json.Unmarshal(req.Params, &p)
		body, _ := json.Marshal(map[string]any{"success": true, "data": p["n"]})
		return ipc.Reply{ID: req.ID, Result: body}
	})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := gw.Invoke(context.Background(), LLMCompletion, map[string]any{"n": i})
			if err != nil {
				t.Errorf("Invoke: %v", err)
				return
			}
			if string(res.Data) != fmt.Sprint(i) {
				t.Errorf("call %d got data %s", i, res.Data)
			}
		}(i)
	}
	wg.Wait()
}

func TestCloseFailsPendingCalls(t *testing.T) {
	gw, host := newLoopback(nil)
	done := make(chan error, 1)
	go func() {
		_, err := gw.Invoke(context.Background(), LLMCompletion, nil)
		done <- err
	}()
	waitFor(t, func() bool { return gw.Pending() == 1 && len(host.requests()) == 1 })
	gw.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrGatewayClosed) {
			t.Fatalf("err=%v want=%v", err, ErrGatewayClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Invoke did not return after Close")
	}
	if _, err := gw.Invoke(context.Background(), LLMCompletion, nil); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("Invoke after Close err=%v", err)
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	gw, _ := newLoopback(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gw.Invoke(ctx, LLMCompletion, nil)
		done <- err
	}()
	waitFor(t, func() bool { return gw.Pending() == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
	if gw.Pending() != 0 {
		t.Fatalf("cancelled call still pending")
	}
}

func TestInvokeSendError(t *testing.T) {
	h := &loopbackHost{err: errors.New("broken pipe")}
	gw := NewGateway(h)
	h.gw = gw
	if _, err := gw.Invoke(context.Background(), LLMCompletion, nil); err == nil {
		t.Fatalf("expected send error")
	}
	if gw.Pending() != 0 {
		t.Fatalf("failed send left a pending call")
	}
}

func TestCatalogLookup(t *testing.T) {
	for _, d := range Catalog() {
		got, ok := Lookup(d.Name)
		if !ok || got != d {
			t.Fatalf("Lookup(%s)=%+v,%v", d.Name, got, ok)
		}
		if d.Method != MethodLLMRequest && d.Method != MethodToolRequest {
			t.Fatalf("%s has unexpected method %s", d.Name, d.Method)
		}
	}
	if _, ok := Lookup("nope"); ok {
		t.Fatalf("Lookup(nope) should fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
