package task

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	task Task
	// busy is held from Register until the executor for this run exits, so a
	// stopped task cannot be re-registered while its last stage is in flight.
	busy bool
}

// Registry is the in-memory table of tasks keyed by id, kept in insertion
// order. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*entry
	order  []string
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:  map[string]*entry{},
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register creates a pending task, or replaces a finished one in place.
func (r *Registry) Register(id, description string) (Task, error) {
	if id == "" {
		return Task{}, ErrInvalidID
	}
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tasks[id]; ok {
		if !e.task.Status.Terminal() || e.busy {
			return Task{}, fmt.Errorf("%w: %s", ErrTaskActive, id)
		}
	} else {
		r.order = append(r.order, id)
	}
	t := Task{
		ID:          id,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.tasks[id] = &entry{task: t, busy: true}
	return t, nil
}

// UpdateProgress applies u to a live task. Progress is clamped to [0,1]. An
// unknown id is a logged no-op reported as ErrNotFound; a task that already
// reached a terminal state is left untouched and ErrTaskFinished is returned
// together with its current snapshot.
func (r *Registry) UpdateProgress(id string, u Update) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		r.logger.Warn("progress for unknown task", "task_id", id)
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.task.Status.Terminal() {
		return e.task, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, e.task.Status)
	}
	if u.Status != "" {
		e.task.Status = u.Status
	}
	e.task.Progress = clamp(u.Progress)
	if u.Stage != "" {
		e.task.CurrentStage = u.Stage
	}
	e.task.Message = u.Message
	e.task.UpdatedAt = r.now().UTC()
	return e.task, nil
}

// MarkStopped moves a task to stopped. Stopping an already finished task
// changes nothing and is not an error.
func (r *Registry) MarkStopped(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.task.Status.Terminal() {
		return e.task, nil
	}
	e.task.Status = StatusStopped
	e.task.Message = "Task stopped"
	e.task.UpdatedAt = r.now().UTC()
	return e.task, nil
}

// StopAll stops every non-terminal task and returns the ids it touched.
func (r *Registry) StopAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	now := r.now().UTC()
	for _, id := range r.order {
		e := r.tasks[id]
		if e.task.Status.Terminal() {
			continue
		}
		e.task.Status = StatusStopped
		e.task.Message = "Worker shutting down"
		e.task.UpdatedAt = now
		ids = append(ids, id)
	}
	return ids
}

// Release clears the busy flag once the executor for id has returned.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[id]; ok {
		e.busy = false
	}
}

func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.task, nil
}

// List returns snapshots of all tasks in registration order.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].task)
	}
	return out
}

// Remove disposes of a finished task.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.task.Status.Terminal() || e.busy {
		return fmt.Errorf("%w: %s", ErrTaskActive, id)
	}
	delete(r.tasks, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Active counts tasks that have not reached a terminal state.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tasks {
		if !e.task.Status.Terminal() {
			n++
		}
	}
	return n
}
