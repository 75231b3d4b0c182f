package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cinience/crew-connect/internal/capability"
	"github.com/cinience/crew-connect/internal/ipc"
	"github.com/cinience/crew-connect/internal/pipeline"
	"github.com/cinience/crew-connect/internal/task"
	"github.com/google/uuid"
)

const (
	DefaultName            = "crew-connect"
	DefaultShutdownTimeout = 30 * time.Second
)

type Options struct {
	Name            string
	Version         string
	MaxLineBytes    int
	ShutdownTimeout time.Duration
	// StopOnShutdown marks every live task stopped when shutdown is requested.
	StopOnShutdown bool
	Logger         *slog.Logger
	Clock          func() time.Time
	NewTaskID      func() string
	NewCallID      func() string
	Stages         []pipeline.Stage
}

// Server is the worker process: it owns the transport, the task registry,
// the capability gateway and the pipeline executor, and runs the main loop.
type Server struct {
	opts      Options
	transport *ipc.Transport
	gateway   *capability.Gateway
	registry  *task.Registry
	executor  *pipeline.Executor
	logger    *slog.Logger
	started   time.Time

	// draining is only touched by the main loop goroutine.
	draining bool
}

func New(in io.Reader, out io.Writer, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewTaskID == nil {
		opts.NewTaskID = uuid.NewString
	}

	s := &Server{
		opts:      opts,
		transport: ipc.NewTransport(in, out, ipc.WithMaxLineBytes(opts.MaxLineBytes)),
		logger:    opts.Logger.With("component", "server"),
	}
	s.registry = task.NewRegistry(task.WithClock(opts.Clock), task.WithLogger(opts.Logger))
	s.gateway = capability.NewGateway(s.transport, capability.WithLogger(opts.Logger), capability.WithIDGenerator(opts.NewCallID))
	s.executor = pipeline.NewExecutor(s.registry, s.gateway, s,
		pipeline.WithStages(opts.Stages),
		pipeline.WithLogger(opts.Logger),
		pipeline.WithClock(opts.Clock),
	)
	return s
}

func (s *Server) Registry() *task.Registry { return s.registry }

// Notify writes a notification. Failures are logged and otherwise ignored so
// a broken output stream never takes a pipeline down with it.
func (s *Server) Notify(method string, params any) {
	if err := s.transport.Send(ipc.NewNotification(method, params, s.opts.Clock())); err != nil {
		s.logger.Error("notification not delivered", "method", method, "error", err)
	}
}

type inbound struct {
	line []byte
	err  error
}

// Serve runs the main loop until shutdown completes, input ends or ctx is
// cancelled. It returns nil in all of those cases; the process exit code is
// decided by the caller.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.started = s.opts.Clock()
	s.Notify(ipc.MethodStatusUpdate, s.readyStatus())
	s.logger.Info("worker ready", "name", s.opts.Name, "version", s.opts.Version)

	lines := make(chan inbound)
	go s.readLoop(ctx, lines)

	var idle <-chan struct{}
	var deadline <-chan time.Time
	for {
		select {
		case in, ok := <-lines:
			if !ok {
				s.logger.Info("input closed")
				s.gateway.Close()
				s.executor.Close()
				s.waitPipelines()
				return nil
			}
			s.handleLine(ctx, in)
			if s.draining && idle == nil {
				idle = s.idle()
				deadline = time.After(s.opts.ShutdownTimeout)
			}
		case <-idle:
			s.gateway.Close()
			s.logger.Info("shutdown complete")
			return nil
		case <-deadline:
			s.logger.Warn("shutdown timeout reached with pipelines still running",
				"running", s.executor.Running(), "pending_calls", s.gateway.Pending())
			s.gateway.Close()
			return nil
		case <-ctx.Done():
			s.logger.Info("context cancelled", "error", ctx.Err())
			s.gateway.Close()
			return nil
		}
	}
}

func (s *Server) readLoop(ctx context.Context, out chan<- inbound) {
	defer close(out)
	for {
		line, err := s.transport.ReadLine()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && !errors.Is(err, ipc.ErrLineTooLong) {
			s.logger.Error("read failed", "error", err)
			return
		}
		select {
		case out <- inbound{line: line, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, in inbound) {
	if in.err != nil {
		s.logger.Warn("dropping line", "error", in.err)
		return
	}
	if len(bytes.TrimSpace(in.line)) == 0 {
		return
	}
	env, err := ipc.Decode(in.line)
	if err != nil {
		s.logger.Warn("dropping malformed line", "error", err)
		return
	}
	if len(env.ID) > 0 && s.gateway.Deliver(env.Reply()) {
		return
	}
	if env.IsReply() {
		s.logger.Warn("reply for unknown call", "id", env.ID.Key())
		return
	}
	req, err := env.Request()
	if err != nil {
		s.logger.Warn("dropping message", "id", env.ID.Key(), "error", err)
		return
	}

	s.logger.Debug("request", "id", req.ID.Key(), "method", req.Method)
	resp, then := s.dispatch(ctx, req)
	if err := s.transport.Send(resp); err != nil {
		s.logger.Error("response not delivered", "id", req.ID.Key(), "method", req.Method, "error", err)
	}
	if then != nil {
		then()
	}
}

func (s *Server) beginShutdown() {
	if s.draining {
		return
	}
	s.draining = true
	s.executor.Close()
	if s.opts.StopOnShutdown {
		if ids := s.registry.StopAll(); len(ids) > 0 {
			s.logger.Info("stopped live tasks", "count", len(ids))
		}
	}
	s.logger.Info("shutdown requested", "running", s.executor.Running())
}

func (s *Server) idle() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = s.executor.Wait(context.Background())
		close(ch)
	}()
	return ch
}

func (s *Server) waitPipelines() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.executor.Wait(ctx); err != nil {
		s.logger.Warn("pipelines still running at exit", "running", s.executor.Running())
	}
}

func (s *Server) readyStatus() map[string]any {
	stages := make([]string, 0)
	for _, st := range s.executor.Stages() {
		stages = append(stages, st.Name)
	}
	return map[string]any{
		"status":       "ready",
		"name":         s.opts.Name,
		"version":      s.opts.Version,
		"pid":          os.Getpid(),
		"capabilities": len(capability.Catalog()),
		"stages":       stages,
	}
}
