// Package console runs a worker in-process behind a simulated editor host
// and drives it from an interactive prompt.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/cinience/crew-connect/internal/hostsim"
	"github.com/cinience/crew-connect/internal/ipc"
	"github.com/cinience/crew-connect/internal/server"
)

const DefaultPrompt = "crew> "

type Options struct {
	Server      server.Options
	Responder   hostsim.Responder
	HistoryFile string
	Prompt      string
	Logger      *slog.Logger
	// Usage reports model token usage for /usage. Nil when the host is not
	// model backed.
	Usage func() []hostsim.Usage
}

type lineReader interface {
	Readline() (string, error)
}

// Run starts the console on the terminal and blocks until the user quits or
// the worker exits.
func Run(ctx context.Context, opts Options) error {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     opts.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	return run(ctx, rl, rl.Stdout(), opts)
}

func run(ctx context.Context, lr lineReader, out io.Writer, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Server.Logger == nil {
		opts.Server.Logger = opts.Logger
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := server.New(inR, outW, opts.Server)
	host := hostsim.New(inW, outR, opts.Responder, opts.Logger)

	s := &session{host: host, out: out, usage: opts.Usage}
	host.OnNotification = s.printNotification
	host.OnUnmatched = s.printResponse

	var serveErr error
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		serveErr = srv.Serve(ctx)
		_ = outW.Close()
		_ = inR.CloseWithError(io.ErrClosedPipe)
	}()
	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run(ctx) }()

	s.printf("crew-connect console. Type /help for commands.\n")
loop:
	for {
		line, err := lr.Readline()
		if err != nil {
			if isReadTermination(err) {
				break
			}
			return fmt.Errorf("read input: %w", err)
		}
		cmd, err := parseCommand(line)
		if err != nil {
			s.printf("%v\n", err)
			continue
		}
		if cmd.kind == cmdQuit {
			break
		}
		s.execute(ctx, cmd)

		select {
		case <-workerDone:
			s.printf("worker exited\n")
			break loop
		default:
		}
	}
	_ = inW.Close()
	<-workerDone
	if err := <-hostDone; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		opts.Logger.Warn("host stopped with error", "error", err)
	}
	s.printf("bye\n")
	return serveErr
}

func isReadTermination(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt)
}

type session struct {
	host  *hostsim.Host
	usage func() []hostsim.Usage

	mu  sync.Mutex
	out io.Writer
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) execute(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdHelp:
		s.printf("%s", helpText)
	case cmdUsage:
		s.printUsage()
	case cmdRaw:
		if err := s.host.SendLine(cmd.raw); err != nil {
			s.printf("send failed: %v\n", err)
		}
	case cmdCall:
		msg, err := s.host.Call(ctx, cmd.method, cmd.params)
		if err != nil {
			s.printf("%s failed: %v\n", cmd.method, err)
			return
		}
		s.printResponse(msg)
	}
}

func (s *session) printResponse(msg hostsim.Message) {
	if text := msg.ErrorText(); text != "" {
		s.printf("error: %s\n", text)
		return
	}
	s.printf("%s\n", indent(msg.Result))
}

func (s *session) printNotification(msg hostsim.Message) {
	var p map[string]any
	_ = json.Unmarshal(msg.Params, &p)
	s.printf("%s\n", formatNotification(msg.Method, p))
}

func (s *session) printUsage() {
	if s.usage == nil {
		s.printf("usage tracking needs a model-backed host\n")
		return
	}
	turns := s.usage()
	if len(turns) == 0 {
		s.printf("no model turns yet\n")
		return
	}
	total := 0
	for _, u := range turns {
		s.printf("- %s in=%d out=%d total=%d\n", u.SessionID, u.InputTokens, u.OutputTokens, u.TotalTokens)
		total += u.TotalTokens
	}
	s.printf("total tokens: %d\n", total)
}

func formatNotification(method string, p map[string]any) string {
	str := func(k string) string {
		v, _ := p[k].(string)
		return v
	}
	num := func(k string) float64 {
		v, _ := p[k].(float64)
		return v
	}
	switch method {
	case ipc.MethodStatusUpdate:
		return fmt.Sprintf("[status] %s %s %s", str("status"), str("name"), str("version"))
	case ipc.MethodTaskProgress:
		line := fmt.Sprintf("[progress] %s %3.0f%% %s", str("taskId"), num("progress")*100, str("status"))
		if stage := str("stage"); stage != "" {
			line += " (" + stage + ")"
		}
		if msg := str("message"); msg != "" {
			line += ": " + msg
		}
		return line
	case ipc.MethodTaskCompleted:
		stages, _ := p["result"].([]any)
		return fmt.Sprintf("[completed] %s %d stages in %.2fs", str("taskId"), len(stages), num("duration"))
	case ipc.MethodTaskFailed:
		return fmt.Sprintf("[failed] %s: %s", str("taskId"), str("error"))
	}
	b, _ := json.Marshal(p)
	return fmt.Sprintf("[%s] %s", method, b)
}

func indent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}

const helpText = `Commands:
  <text>             start a task with <text> as its description
  /start <text>      same as above
  /status <id>       get_task_status
  /stop <id>         stop_task
  /remove <id>       remove_task
  /list              list_tasks
  /health            health_check
  /caps              list_capabilities
  /usage             model token usage
  /shutdown          ask the worker to shut down
  {...}              send a raw JSON line
  /help /quit
`

// Commands.

type commandKind int

const (
	cmdCall commandKind = iota
	cmdRaw
	cmdHelp
	cmdUsage
	cmdQuit
	cmdNone
)

type command struct {
	kind   commandKind
	method string
	params map[string]any
	raw    string
}

func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return command{kind: cmdNone}, nil
	}
	if strings.HasPrefix(input, "{") {
		return command{kind: cmdRaw, raw: input}, nil
	}
	if !strings.HasPrefix(input, "/") {
		return startCommand(input), nil
	}

	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	taskCmd := func(method string) (command, error) {
		if arg == "" {
			return command{}, fmt.Errorf("%s needs a task id", name)
		}
		return command{kind: cmdCall, method: method, params: map[string]any{"task_id": arg}}, nil
	}

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return command{kind: cmdQuit}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/usage":
		return command{kind: cmdUsage}, nil
	case "/start":
		if arg == "" {
			return command{}, errors.New("/start needs a description")
		}
		return startCommand(arg), nil
	case "/status":
		return taskCmd("get_task_status")
	case "/stop":
		return taskCmd("stop_task")
	case "/remove":
		return taskCmd("remove_task")
	case "/list":
		return command{kind: cmdCall, method: "list_tasks", params: map[string]any{}}, nil
	case "/health":
		return command{kind: cmdCall, method: "health_check", params: map[string]any{}}, nil
	case "/caps":
		return command{kind: cmdCall, method: "list_capabilities", params: map[string]any{}}, nil
	case "/shutdown":
		return command{kind: cmdCall, method: "shutdown", params: map[string]any{}}, nil
	}
	return command{}, fmt.Errorf("unknown command: %s", name)
}

func startCommand(desc string) command {
	return command{kind: cmdCall, method: "start_task", params: map[string]any{"description": desc}}
}
