// Package llm abstracts the completion endpoints the loop talks to. Adapters
// translate one neutral conversation shape to and from each vendor API; the
// loop never sees SDK types.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const defaultMaxOutputTokens = 8192

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry in neutral form.
type Message struct {
	Role string
	Text string
	// ToolCalls carries the calls an assistant message requested.
	ToolCalls []ToolCall
	// ToolCallID correlates a tool message with the call it answers.
	ToolCallID string
}

// ToolCall is one requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	// Args is the canonical decoded form; Raw keeps the original payload for
	// history replay.
	Args map[string]any
	Raw  string
	// Invalid marks a call whose arguments could not be decoded. The loop
	// treats invalid calls as protocol violations.
	Invalid bool
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is one completion request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
	// MaxTokens overrides the adapter's configured output budget when > 0.
	MaxTokens int
}

// Turn is one completion result.
type Turn struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a completion endpoint.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Turn, error)
	Name() string
}

// Config carries what an adapter needs to reach its endpoint.
type Config struct {
	// Type is one of: "openai" | "openai_compatible" | "anthropic".
	Type      string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
}

// New builds the adapter for the configured endpoint type.
func New(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "openai":
		return newOpenAI(cfg, true)
	case "openai_compatible":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("base_url is required for openai_compatible providers")
		}
		return newOpenAI(cfg, false)
	case "anthropic":
		return newAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

// NormalizeArgs decodes a tool-call argument payload into the canonical map
// form. Endpoints hand arguments over either as a JSON object or as a string
// wrapping an encoded object.
func NormalizeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	var encoded string
	if err := json.Unmarshal([]byte(raw), &encoded); err == nil {
		return NormalizeArgs(encoded)
	}
	return nil, errors.New("tool arguments are not a JSON object")
}

func newToolCall(id, name, raw string) ToolCall {
	tc := ToolCall{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name), Raw: strings.TrimSpace(raw)}
	args, err := NormalizeArgs(tc.Raw)
	if err != nil {
		tc.Invalid = true
		return tc
	}
	tc.Args = args
	return tc
}

// sanitizeToolName maps a tool name onto the charset endpoints accept.
// Adapters advertise the sanitized alias and translate back on the way in.
func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		case r == '.':
			sb.WriteRune('_')
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// replayRawArgs picks the argument payload to replay for an assistant tool
// call, falling back to re-encoding the canonical map, then to "{}".
func replayRawArgs(tc ToolCall) string {
	raw := strings.TrimSpace(tc.Raw)
	if raw == "" && len(tc.Args) > 0 {
		if b, err := json.Marshal(tc.Args); err == nil {
			raw = string(b)
		}
	}
	if raw == "" || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
