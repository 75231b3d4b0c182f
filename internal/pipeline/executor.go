package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cinience/crew-connect/internal/capability"
	"github.com/cinience/crew-connect/internal/ipc"
	"github.com/cinience/crew-connect/internal/task"
)

var ErrClosed = errors.New("executor is not accepting tasks")

type Invoker interface {
	Invoke(ctx context.Context, name capability.Name, params map[string]any) (capability.Result, error)
}

// Notifier delivers a notification to the host. Delivery errors are the
// notifier's to log.
type Notifier interface {
	Notify(method string, params any)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

type StageResult struct {
	Stage        string          `json:"stage"`
	Role         string          `json:"role"`
	Instructions string          `json:"instructions"`
	Result       json.RawMessage `json:"result"`
}

type ProgressEvent struct {
	TaskID   string      `json:"taskId"`
	Progress float64     `json:"progress"`
	Status   task.Status `json:"status"`
	Message  string      `json:"message"`
	Stage    string      `json:"stage,omitempty"`
}

type CompletedEvent struct {
	TaskID   string        `json:"taskId"`
	Result   []StageResult `json:"result"`
	Duration float64       `json:"duration"`
}

type FailedEvent struct {
	TaskID   string  `json:"taskId"`
	Error    string  `json:"error"`
	Duration float64 `json:"duration"`
}

// Executor drives tasks through the stage sequence, one goroutine per task.
type Executor struct {
	registry *task.Registry
	invoker  Invoker
	notifier Notifier
	stages   []Stage
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	running atomic.Int64
}

type Option func(*Executor)

func WithStages(stages []Stage) Option {
	return func(e *Executor) {
		if len(stages) > 0 {
			e.stages = stages
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExecutor(reg *task.Registry, inv Invoker, n Notifier, opts ...Option) *Executor {
	e := &Executor{
		registry: reg,
		invoker:  inv,
		notifier: n,
		stages:   DefaultStages(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

func (e *Executor) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// Start runs the pipeline for t on its own goroutine. The registry's busy
// flag for t is released when the run returns.
func (e *Executor) Start(ctx context.Context, t task.Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.wg.Add(1)
	e.running.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.running.Add(-1)
		defer e.registry.Release(t.ID)
		e.Run(ctx, t)
	}()
	return nil
}

// Run executes every stage for t and reports how the run ended. A stop
// observed at a stage boundary ends the run without a completion or failure
// notification.
func (e *Executor) Run(ctx context.Context, t task.Task) (outcome Outcome) {
	start := e.now()
	progress := 0.0
	log := e.logger.With("task_id", t.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", r)
			outcome = e.fail(t.ID, start, progress, fmt.Errorf("internal error: %v", r))
		}
	}()

	if !e.advance(t.ID, task.Update{Status: task.StatusStarting, Message: "Task started"}) {
		return OutcomeStopped
	}
	log.Info("task started", "stages", len(e.stages))

	results := make([]StageResult, 0, len(e.stages))
	for i, st := range e.stages {
		progress = float64(i+1) / float64(len(e.stages))
		msg := fmt.Sprintf("%s working on %s (%d/%d)", st.Role, st.Name, i+1, len(e.stages))
		if !e.advance(t.ID, task.Update{Status: task.StatusRunning, Progress: progress, Stage: st.Name, Message: msg}) {
			log.Info("task stopped before stage", "stage", st.Name)
			return OutcomeStopped
		}

		res, err := e.invoker.Invoke(ctx, capability.LLMCompletion, stageParams(t, st, results))
		if err != nil {
			return e.fail(t.ID, start, progress, fmt.Errorf("stage %s: %w", st.Name, err))
		}
		if !res.Success {
			return e.fail(t.ID, start, progress, fmt.Errorf("stage %s failed: %s", st.Name, res.Error))
		}
		log.Debug("stage finished", "stage", st.Name)
		results = append(results, StageResult{
			Stage:        st.Name,
			Role:         st.Role,
			Instructions: st.Instructions,
			Result:       res.Data,
		})
	}

	if _, err := e.registry.UpdateProgress(t.ID, task.Update{Status: task.StatusCompleted, Progress: 1, Message: "Task completed"}); err != nil {
		log.Info("task finished elsewhere, dropping completion", "error", err)
		return OutcomeStopped
	}
	duration := e.now().Sub(start).Seconds()
	log.Info("task completed", "duration", duration)
	e.notifier.Notify(ipc.MethodTaskCompleted, CompletedEvent{TaskID: t.ID, Result: results, Duration: duration})
	return OutcomeCompleted
}

// Wait blocks until every started run has returned or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new runs. Runs already started continue.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Executor) Running() int {
	return int(e.running.Load())
}

// advance applies u and announces it. It reports false when the task is no
// longer live, which is how a stop is observed.
func (e *Executor) advance(id string, u task.Update) bool {
	snap, err := e.registry.UpdateProgress(id, u)
	if err != nil {
		return false
	}
	e.notifier.Notify(ipc.MethodTaskProgress, ProgressEvent{
		TaskID:   id,
		Progress: snap.Progress,
		Status:   snap.Status,
		Message:  snap.Message,
		Stage:    u.Stage,
	})
	return true
}

func (e *Executor) fail(id string, start time.Time, progress float64, cause error) Outcome {
	if _, err := e.registry.UpdateProgress(id, task.Update{Status: task.StatusFailed, Progress: progress, Message: cause.Error()}); err != nil {
		e.logger.Info("task finished elsewhere, dropping failure", "task_id", id, "cause", cause)
		return OutcomeStopped
	}
	duration := e.now().Sub(start).Seconds()
	e.logger.Warn("task failed", "task_id", id, "error", cause, "duration", duration)
	e.notifier.Notify(ipc.MethodTaskFailed, FailedEvent{TaskID: id, Error: cause.Error(), Duration: duration})
	return OutcomeFailed
}

func stageParams(t task.Task, st Stage, prior []StageResult) map[string]any {
	tools := make([]string, 0, len(st.Tools))
	for _, n := range st.Tools {
		tools = append(tools, string(n))
	}
	return map[string]any{
		"task_id":      t.ID,
		"stage":        st.Name,
		"role":         st.Role,
		"instructions": st.Instructions,
		"description":  t.Description,
		"prompt":       buildPrompt(t.Description, st, prior),
		"tools":        tools,
		"context":      prior,
	}
}

func buildPrompt(description string, st Stage, prior []StageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s.\n%s\n\nTask:\n%s\n", st.Role, st.Instructions, strings.TrimSpace(description))
	for _, r := range prior {
		fmt.Fprintf(&b, "\n## Output of %s (%s)\n%s\n", r.Stage, r.Role, resultText(r.Result))
	}
	return b.String()
}

// resultText renders a stage result for the next prompt, unquoting plain
// strings.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(no output)"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}
