package hostsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cinience/crew-connect/internal/capability"
	"github.com/godeps/agentkit/pkg/api"
	"github.com/godeps/agentkit/pkg/middleware"
	"github.com/godeps/agentkit/pkg/model"
)

const (
	DefaultModel   = "qwen3.5-plus"
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

const systemPrompt = `You are one member of a software delivery crew working inside the user's editor.

Rules:
- Stay within the role and instructions given for the current stage.
- Build on the output of earlier stages when it is provided.
- Keep answers concise and concrete.
- Respond in the same language as the task description.`

type ModelConfig struct {
	ProjectRoot string
	ConfigRoot  string
	ModelName   string
	BaseURL     string
	APIKey      string
}

// Usage is the token count of one model turn.
type Usage struct {
	SessionID    string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	StopReason   string
	Timestamp    time.Time
}

// ModelResponder answers llm_request with a real completion and simulates
// every tool call.
type ModelResponder struct {
	runtime   *api.Runtime
	modelName string
	tools     Responder

	mu    sync.RWMutex
	turns []Usage
}

func NewModelResponder(ctx context.Context, cfg ModelConfig) (*ModelResponder, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("DASHSCOPE_API_KEY is not set")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		cfg.ProjectRoot = wd
	}
	if cfg.ConfigRoot == "" {
		cfg.ConfigRoot = filepath.Join(cfg.ProjectRoot, ".crew-connect")
	}

	m := &ModelResponder{modelName: cfg.ModelName, tools: Echo()}
	rt, err := api.New(ctx, api.Options{
		EntryPoint:          api.EntryPointCLI,
		ProjectRoot:         cfg.ProjectRoot,
		ConfigRoot:          cfg.ConfigRoot,
		ModelFactory:        &model.OpenAIProvider{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, ModelName: cfg.ModelName},
		SystemPrompt:        systemPrompt,
		EnabledBuiltinTools: []string{"file_read", "glob"},
		Middleware: []middleware.Middleware{
			middleware.Funcs{
				Identifier: "crew-connect-usage-recorder",
				OnAfterModel: func(_ context.Context, st *middleware.State) error {
					if st == nil {
						return nil
					}
					usage := usageOf(st.Values)
					m.record(Usage{
						SessionID:    stringOf(st.Values, "session_id"),
						InputTokens:  usage.InputTokens,
						OutputTokens: usage.OutputTokens,
						TotalTokens:  usage.TotalTokens,
						StopReason:   stringOf(st.Values, "model.stop_reason"),
						Timestamp:    time.Now().UTC(),
					})
					return nil
				},
			},
		},
		TokenTracking: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init model runtime: %w", err)
	}
	m.runtime = rt
	return m, nil
}

func (m *ModelResponder) ModelName() string {
	if m == nil {
		return ""
	}
	return m.modelName
}

func (m *ModelResponder) Respond(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	if method != capability.MethodLLMRequest {
		return m.tools.Respond(ctx, method, raw)
	}
	var p LLMParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode llm params: %w", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, errors.New("prompt is empty")
	}
	resp, err := m.runtime.Run(ctx, api.Request{Prompt: p.Prompt, SessionID: p.TaskID + "/" + p.Stage})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

// Usage returns every recorded model turn.
func (m *ModelResponder) Usage() []Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Usage(nil), m.turns...)
}

func (m *ModelResponder) Close() error {
	if m == nil || m.runtime == nil {
		return nil
	}
	return m.runtime.Close()
}

func (m *ModelResponder) record(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, u)
	if len(m.turns) > 256 {
		m.turns = m.turns[len(m.turns)-256:]
	}
}

func stringOf(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return strings.TrimSpace(s)
}

func usageOf(values map[string]any) model.Usage {
	switch u := values["model.usage"].(type) {
	case model.Usage:
		return u
	case *model.Usage:
		if u != nil {
			return *u
		}
	}
	return model.Usage{}
}
