package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/cinience/crew-connect/internal/capability"
	"github.com/cinience/crew-connect/internal/ipc"
	"github.com/cinience/crew-connect/internal/task"
)

var (
	errShuttingDown = errors.New("server is shutting down")
	errTaskID       = errors.New("task_id is required")
	errDescription  = errors.New("description is required")
)

// deferred carries a result together with work that must run only after the
// response has been written.
type deferred struct {
	result any
	then   func()
}

// dispatch runs one request. Handler panics are turned into error responses
// so a bad request never ends the main loop.
func (s *Server) dispatch(ctx context.Context, req ipc.Request) (resp ipc.Response, then func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "id", req.ID.Key(), "method", req.Method, "panic", r)
			resp, then = ipc.NewError(req.ID, fmt.Sprintf("internal error: %v", r)), nil
		}
	}()

	params, err := ipc.DecodeParams(req.Params)
	if err != nil {
		return ipc.NewError(req.ID, err.Error()), nil
	}
	result, err := s.handleMethod(ctx, req.Method, params)
	if err != nil {
		s.logger.Debug("request failed", "id", req.ID.Key(), "method", req.Method, "error", err)
		return ipc.NewError(req.ID, err.Error()), nil
	}
	if d, ok := result.(deferred); ok {
		return ipc.NewResult(req.ID, d.result), d.then
	}
	return ipc.NewResult(req.ID, result), nil
}

func (s *Server) handleMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "start_task":
		return s.startTask(ctx, params)
	case "stop_task":
		id := asString(params["task_id"])
		if id == "" {
			return nil, errTaskID
		}
		t, err := s.registry.MarkStopped(id)
		if err != nil {
			return nil, err
		}
		s.logger.Info("task stop requested", "task_id", id, "status", t.Status)
		return map[string]any{"task_id": id, "status": string(t.Status)}, nil
	case "get_task_status":
		id := asString(params["task_id"])
		if id == "" {
			return nil, errTaskID
		}
		return s.registry.Get(id)
	case "list_tasks":
		tasks := s.registry.List()
		return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
	case "remove_task":
		id := asString(params["task_id"])
		if id == "" {
			return nil, errTaskID
		}
		if err := s.registry.Remove(id); err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id, "status": "removed"}, nil
	case "list_capabilities":
		return map[string]any{"capabilities": capability.Catalog(), "stages": s.executor.Stages()}, nil
	case "health_check":
		now := s.opts.Clock()
		return map[string]any{
			"status":            "healthy",
			"timestamp":         ipc.Timestamp(now),
			"tasks_count":       s.registry.Count(),
			"active_tasks":      s.registry.Active(),
			"running_pipelines": s.executor.Running(),
			"pending_calls":     s.gateway.Pending(),
			"uptime_seconds":    now.Sub(s.started).Seconds(),
		}, nil
	case "shutdown":
		return deferred{result: map[string]any{"status": "shutting_down"}, then: s.beginShutdown}, nil
	default:
		return nil, fmt.Errorf("Unknown method: %s", method)
	}
}

func (s *Server) startTask(ctx context.Context, params map[string]any) (any, error) {
	if s.draining {
		return nil, errShuttingDown
	}
	desc := asString(params["description"])
	if desc == "" {
		return nil, errDescription
	}
	id := asString(params["task_id"])
	if id == "" {
		id = s.opts.NewTaskID()
	}
	t, err := s.registry.Register(id, desc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task accepted", "task_id", id)

	start := func() {
		if err := s.executor.Start(ctx, t); err != nil {
			s.logger.Error("task not started", "task_id", id, "error", err)
			if _, uerr := s.registry.UpdateProgress(id, task.Update{Status: task.StatusFailed, Message: err.Error()}); uerr == nil {
				s.Notify(ipc.MethodTaskFailed, map[string]any{"taskId": id, "error": err.Error(), "duration": 0.0})
			}
			s.registry.Release(id)
		}
	}
	return deferred{result: map[string]any{"task_id": id, "status": "started"}, then: start}, nil
}
