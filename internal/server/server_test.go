package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cinience/crew-connect/internal/hostsim"
	"github.com/cinience/crew-connect/internal/ipc"
)

type harness struct {
	t    *testing.T
	srv  *Server
	host *hostsim.Host
	in   *io.PipeWriter
	done chan error

	mu    sync.Mutex
	notes []hostsim.Message
}

func startWorker(t *testing.T, r hostsim.Responder, opts Options) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	h := &harness{t: t, in: inW, done: make(chan error, 1)}
	h.srv = New(inR, outW, opts)
	h.host = hostsim.New(inW, outR, r, nil)
	h.host.OnNotification = func(m hostsim.Message) {
		h.mu.Lock()
		h.notes = append(h.notes, m)
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := h.srv.Serve(ctx)
		_ = inR.Close()
		_ = outW.Close()
		h.done <- err
	}()
	go func() { _ = h.host.Run(ctx) }()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("worker did not exit")
		}
		cancel()
	})
	return h
}

func (h *harness) call(method string, params any) hostsim.Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := h.host.Call(ctx, method, params)
	if err != nil {
		h.t.Fatalf("%s: %v", method, err)
	}
	return msg
}

func (h *harness) result(method string, params any) map[string]any {
	h.t.Helper()
	msg := h.call(method, params)
	if msg.ErrorText() != "" {
		h.t.Fatalf("%s returned error %q", method, msg.ErrorText())
	}
	var out map[string]any
	if err := json.Unmarshal(msg.Result, &out); err != nil {
		h.t.Fatalf("%s result: %v", method, err)
	}
	return out
}

func (h *harness) notifications(method, taskID string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]any
	for _, n := range h.notes {
		if method != "" && n.Method != method {
			continue
		}
		var p map[string]any
		_ = json.Unmarshal(n.Params, &p)
		if taskID != "" && p["taskId"] != taskID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitIdle() {
	h.t.Helper()
	h.waitFor("pipelines to finish", func() bool { return h.srv.executor.Running() == 0 })
}

// gate blocks the named stage until release is closed.
type gate struct {
	stage   string
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	stages []string
}

func newGate(stage string) *gate {
	return &gate{stage: stage, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Respond(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var p hostsim.LLMParams
	_ = json.Unmarshal(raw, &p)
	g.mu.Lock()
	g.stages = append(g.stages, p.Stage)
	g.mu.Unlock()
	if p.Stage == g.stage {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return "ok " + p.Stage, nil
}

func (g *gate) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.stages...)
}

func TestStatusUpdateAtStartup(t *testing.T) {
	h := startWorker(t, nil, Options{Name: "test-worker", Version: "1.2.3"})
	h.waitFor("status_update", func() bool { return len(h.notifications(ipc.MethodStatusUpdate, "")) == 1 })
	st := h.notifications(ipc.MethodStatusUpdate, "")[0]
	if st["status"] != "ready" || st["name"] != "test-worker" || st["version"] != "1.2.3" {
		t.Fatalf("status_update=%v", st)
	}
}

func TestStartTaskRunsPipelineToCompletion(t *testing.T) {
	h := startWorker(t, nil, Options{NewTaskID: func() string { return "generated-1" }})

	res := h.result("start_task", map[string]any{"description": "add a settings page"})
	if res["task_id"] != "generated-1" || res["status"] != "started" {
		t.Fatalf("start_task=%v", res)
	}
	h.waitFor("task_completed", func() bool { return len(h.notifications(ipc.MethodTaskCompleted, "generated-1")) == 1 })

	var progress []float64
	for _, p := range h.notifications(ipc.MethodTaskProgress, "generated-1") {
		progress = append(progress, p["progress"].(float64))
	}
	if want := []float64{0, 0.25, 0.5, 0.75, 1}; !reflect.DeepEqual(progress, want) {
		t.Fatalf("progress got=%v want=%v", progress, want)
	}

	done := h.notifications(ipc.MethodTaskCompleted, "generated-1")[0]
	stages := done["result"].([]any)
	if len(stages) != 4 {
		t.Fatalf("stage results=%d want=4", len(stages))
	}
	first := stages[0].(map[string]any)
	if first["stage"] != "plan" || first["role"] != "Project Planner" {
		t.Fatalf("first stage result=%v", first)
	}
	if !strings.Contains(first["result"].(string), "add a settings page") {
		t.Fatalf("first stage output=%v", first["result"])
	}
	if _, ok := done["duration"].(float64); !ok {
		t.Fatalf("duration missing: %v", done)
	}
	if n := len(h.notifications(ipc.MethodTaskFailed, "")); n != 0 {
		t.Fatalf("task_failed count=%d", n)
	}

	h.waitIdle()
	status := h.result("get_task_status", map[string]any{"task_id": "generated-1"})
	if status["status"] != "completed" || status["progress"].(float64) != 1 {
		t.Fatalf("get_task_status=%v", status)
	}
}

func TestStartTaskValidation(t *testing.T) {
	h := startWorker(t, nil, Options{})
	msg := h.call("start_task", map[string]any{"task_id": "t1"})
	if msg.ErrorText() != "description is required" {
		t.Fatalf("error=%q", msg.ErrorText())
	}
	if len(msg.Result) != 0 {
		t.Fatalf("error response carries result: %s", msg.Raw)
	}
	list := h.result("list_tasks", nil)
	if list["count"].(float64) != 0 {
		t.Fatalf("task created despite validation error: %v", list)
	}
}

func TestStartTaskRejectsLiveDuplicate(t *testing.T) {
	g := newGate("plan")
	h := startWorker(t, g, Options{})
	h.result("start_task", map[string]any{"task_id": "dup", "description": "first"})
	<-g.entered

	msg := h.call("start_task", map[string]any{"task_id": "dup", "description": "second"})
	if !strings.Contains(msg.ErrorText(), "already running") {
		t.Fatalf("error=%q", msg.ErrorText())
	}
	close(g.release)
	h.waitIdle()
}

func TestStopUnknownTask(t *testing.T) {
	h := startWorker(t, nil, Options{})
	msg := h.call("stop_task", map[string]any{"task_id": "ghost"})
	if !strings.Contains(msg.ErrorText(), "task not found") {
		t.Fatalf("error=%q", msg.ErrorText())
	}
	if n := len(h.notifications("", "ghost")); n != 0 {
		t.Fatalf("notifications for unknown task=%d", n)
	}
}

func TestStopDuringStageLetsItFinishAndBlocksNext(t *testing.T) {
	g := newGate("implement")
	h := startWorker(t, g, Options{})
	h.result("start_task", map[string]any{"task_id": "t1", "description": "refactor auth"})
	<-g.entered

	res := h.result("stop_task", map[string]any{"task_id": "t1"})
	if res["status"] != "stopped" {
		t.Fatalf("stop_task=%v", res)
	}
	close(g.release)
	h.waitIdle()

	if got, want := g.seen(), []string{"plan", "implement"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stages run=%v want=%v", got, want)
	}
	if n := len(h.notifications(ipc.MethodTaskCompleted, "t1")) + len(h.notifications(ipc.MethodTaskFailed, "t1")); n != 0 {
		t.Fatalf("terminal notifications after stop=%d", n)
	}
	status := h.result("get_task_status", map[string]any{"task_id": "t1"})
	if status["status"] != "stopped" {
		t.Fatalf("status=%v want=stopped", status["status"])
	}

	again := h.result("stop_task", map[string]any{"task_id": "t1"})
	if again["status"] != "stopped" {
		t.Fatalf("second stop_task=%v", again)
	}
}

func TestCapabilityFailureFailsTask(t *testing.T) {
	r := hostsim.ResponderFunc(func(_ context.Context, _ string, raw json.RawMessage) (any, error) {
		var p hostsim.LLMParams
		_ = json.Unmarshal(raw, &p)
		if p.Stage == "verify" {
			return nil, fmt.Errorf("tests could not run")
		}
		return "ok", nil
	})
	h := startWorker(t, r, Options{})
	h.result("start_task", map[string]any{"task_id": "t1", "description": "x"})
	h.waitFor("task_failed", func() bool { return len(h.notifications(ipc.MethodTaskFailed, "t1")) == 1 })

	failed := h.notifications(ipc.MethodTaskFailed, "t1")[0]
	if !strings.Contains(failed["error"].(string), "tests could not run") {
		t.Fatalf("task_failed=%v", failed)
	}
	h.waitIdle()
	status := h.result("get_task_status", map[string]any{"task_id": "t1"})
	if status["status"] != "failed" {
		t.Fatalf("status=%v want=failed", status["status"])
	}
	if n := len(h.notifications(ipc.MethodTaskCompleted, "t1")); n != 0 {
		t.Fatalf("task_completed after failure")
	}
}

func TestUnknownMethod(t *testing.T) {
	h := startWorker(t, nil, Options{})
	msg := h.call("bogus", nil)
	if msg.ErrorText() != "Unknown method: bogus" {
		t.Fatalf("error=%q", msg.ErrorText())
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	h := startWorker(t, nil, Options{})
	for _, line := range []string{"not json", `{"id":"x1"}`, `{"id":"cap-unknown","result":{"success":true}}`, "", `[1,2,3]`} {
		if err := h.host.SendLine(line); err != nil {
			t.Fatalf("SendLine: %v", err)
		}
	}
	msg := h.call("health_check", nil)
	if msg.ErrorText() != "" {
		t.Fatalf("health_check error=%q", msg.ErrorText())
	}
	if !strings.HasPrefix(msg.ID.Key(), "h-") {
		t.Fatalf("response id=%q", msg.ID.Key())
	}
}

func TestResponsesEchoRequestID(t *testing.T) {
	h := startWorker(t, nil, Options{})
	for _, method := range []string{"health_check", "list_tasks", "nope", "get_task_status"} {
		msg := h.call(method, map[string]any{})
		if !strings.HasPrefix(msg.ID.Key(), "h-") {
			t.Fatalf("%s response id=%q", method, msg.ID.Key())
		}
	}
}

func TestHealthCheck(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	h := startWorker(t, nil, Options{Clock: func() time.Time { return now }})
	res := h.result("health_check", nil)
	if res["status"] != "healthy" || res["tasks_count"].(float64) != 0 {
		t.Fatalf("health_check=%v", res)
	}
	if res["timestamp"] != "2024-06-01T08:00:00Z" {
		t.Fatalf("timestamp=%v", res["timestamp"])
	}
}

func TestListTasksInRegistrationOrder(t *testing.T) {
	h := startWorker(t, nil, Options{})
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		h.result("start_task", map[string]any{"task_id": id, "description": "task " + id})
	}
	list := h.result("list_tasks", nil)
	tasks := list["tasks"].([]any)
	if len(tasks) != 3 {
		t.Fatalf("tasks=%d want=3", len(tasks))
	}
	for i, id := range ids {
		if got := tasks[i].(map[string]any)["id"]; got != id {
			t.Fatalf("task %d id=%v want=%s", i, got, id)
		}
	}
	h.waitIdle()
}

func TestRemoveTask(t *testing.T) {
	h := startWorker(t, nil, Options{})
	h.result("start_task", map[string]any{"task_id": "t1", "description": "x"})
	h.waitFor("task_completed", func() bool { return len(h.notifications(ipc.MethodTaskCompleted, "t1")) == 1 })
	h.waitIdle()

	res := h.result("remove_task", map[string]any{"task_id": "t1"})
	if res["status"] != "removed" {
		t.Fatalf("remove_task=%v", res)
	}
	msg := h.call("get_task_status", map[string]any{"task_id": "t1"})
	if !strings.Contains(msg.ErrorText(), "task not found") {
		t.Fatalf("get after remove error=%q", msg.ErrorText())
	}
}

func TestListCapabilities(t *testing.T) {
	h := startWorker(t, nil, Options{})
	res := h.result("list_capabilities", nil)
	if len(res["capabilities"].([]any)) == 0 {
		t.Fatalf("no capabilities listed")
	}
	stages := res["stages"].([]any)
	if len(stages) != 4 || stages[3].(map[string]any)["stage"] != "review" {
		t.Fatalf("stages=%v", stages)
	}
}

func TestShutdownExitsCleanly(t *testing.T) {
	h := startWorker(t, nil, Options{})
	res := h.result("shutdown", nil)
	if res["status"] != "shutting_down" {
		t.Fatalf("shutdown=%v", res)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not exit after shutdown")
	}
}

func TestShutdownStopsLiveTasks(t *testing.T) {
	g := newGate("plan")
	h := startWorker(t, g, Options{StopOnShutdown: true})
	h.result("start_task", map[string]any{"task_id": "t1", "description": "x"})
	<-g.entered

	h.result("shutdown", nil)
	msg := h.call("start_task", map[string]any{"description": "late"})
	if msg.ErrorText() != "server is shutting down" {
		t.Fatalf("start during drain error=%q", msg.ErrorText())
	}
	close(g.release)

	select {
	case err := <-h.done:
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not exit after drain")
	}
	if got := g.seen(); !reflect.DeepEqual(got, []string{"plan"}) {
		t.Fatalf("stages run=%v want=[plan]", got)
	}
	snap, err := h.srv.Registry().Get("t1")
	if err != nil || snap.Status != "stopped" {
		t.Fatalf("task after shutdown=%+v err=%v", snap, err)
	}
}

func TestEndOfInputExits(t *testing.T) {
	h := startWorker(t, nil, Options{})
	h.call("health_check", nil)
	_ = h.in.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not exit at end of input")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	resp, then := s.dispatch(context.Background(), ipc.Request{ID: ipc.StringID("r1"), Method: "list_tasks"})
	if then != nil {
		t.Fatalf("unexpected deferred work")
	}
	if !strings.HasPrefix(resp.Error, "internal error") || resp.ID.Key() != "r1" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestDispatchRejectsNonObjectParams(t *testing.T) {
	h := startWorker(t, nil, Options{})
	resp, _ := h.srv.dispatch(context.Background(), ipc.Request{ID: ipc.StringID("r1"), Method: "health_check", Params: json.RawMessage(`[1]`)})
	if resp.Error == "" {
		t.Fatalf("expected params error, got %+v", resp)
	}
}

func TestAsString(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{in: " t1 ", want: "t1"},
		{in: float64(12), want: "12"},
		{in: nil, want: ""},
		{in: true, want: ""},
	}
	for _, tc := range cases {
		if got := asString(tc.in); got != tc.want {
			t.Fatalf("asString(%v)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
