package hostsim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cinience/crew-connect/internal/capability"
)

// Responder answers one capability request coming from the worker. The
// returned data becomes the reply's data; an error becomes success=false.
type Responder interface {
	Respond(ctx context.Context, method string, params json.RawMessage) (any, error)
}

type ResponderFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

func (f ResponderFunc) Respond(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// LLMParams is the payload of an llm_request as sent by the pipeline.
type LLMParams struct {
	TaskID       string   `json:"task_id"`
	Stage        string   `json:"stage"`
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	Description  string   `json:"description"`
	Prompt       string   `json:"prompt"`
	Tools        []string `json:"tools"`
}

type ToolParams struct {
	ToolName   string         `json:"tool_name"`
	ToolParams map[string]any `json:"tool_params"`
}

// Echo answers every request successfully with a short deterministic text.
func Echo() Responder {
	return ResponderFunc(func(_ context.Context, method string, raw json.RawMessage) (any, error) {
		switch method {
		case capability.MethodLLMRequest:
			var p LLMParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode llm params: %w", err)
			}
			return fmt.Sprintf("[%s] %s done: %s", p.Role, p.Stage, strings.TrimSpace(p.Description)), nil
		case capability.MethodToolRequest:
			var p ToolParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode tool params: %w", err)
			}
			return map[string]any{"tool": p.ToolName, "params": p.ToolParams, "simulated": true}, nil
		default:
			return nil, fmt.Errorf("unsupported capability method %q", method)
		}
	})
}
