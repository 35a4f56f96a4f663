package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// openAIProvider speaks the Responses API without streaming. The official
// endpoint gets assistant text replayed as output messages; compatible
// gateways frequently reject those items, so for them history replay keeps
// only the function-call items.
type openAIProvider struct {
	client          openai.Client
	model           string
	maxTokens       int64
	replayAssistant bool
}

func newOpenAI(cfg Config, official bool) (*openAIProvider, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, ooption.WithBaseURL(base))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	return &openAIProvider{
		client:          openai.NewClient(opts...),
		model:           model,
		maxTokens:       maxTokens,
		replayAssistant: official,
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Turn, error) {
	if p == nil {
		return nil, errors.New("nil provider")
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(p.model),
		MaxOutputTokens:   openai.Int(maxTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	items := buildOpenAIInput(req.Messages, p.replayAssistant)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.Instructions = openai.String(sys)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}

	turn := &Turn{
		StopReason:   string(resp.Status),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var sb strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				callID = fmt.Sprintf("call_%d", len(turn.ToolCalls)+1)
			}
			name := strings.TrimSpace(item.Name)
			if real, ok := aliasToReal[name]; ok {
				name = real
			}
			turn.ToolCalls = append(turn.ToolCalls, newToolCall(callID, name, item.Arguments))
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if part.Type != "output_text" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(part.Text)
			}
		}
	}
	turn.Text = strings.TrimSpace(sb.String())
	if len(turn.ToolCalls) > 0 {
		turn.StopReason = "tool_calls"
	}
	return turn, nil
}

func buildOpenAIInput(messages []Message, replayAssistant bool) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	msgSeq := 0
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// System text travels in Instructions, not the input list.
		case RoleUser:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		case RoleAssistant:
			if replayAssistant {
				if txt := strings.TrimSpace(msg.Text); txt != "" {
					msgSeq++
					content := []oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        txt,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}}
					// Output message ids must carry the msg_ prefix.
					items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
						content, fmt.Sprintf("msg_hist%d", msgSeq), oresponses.ResponseOutputMessageStatusCompleted))
				}
			}
			for _, tc := range msg.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				name := sanitizeToolName(tc.Name)
				if callID == "" || name == "" {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(replayRawArgs(tc), callID, name))
			}
		case RoleTool:
			callID := strings.TrimSpace(msg.ToolCallID)
			if callID == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, msg.Text))
		}
	}
	return items
}

func buildOpenAITools(defs []ToolDef) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := def.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		alias := sanitizeToolName(name)
		tool := oresponses.ToolParamOfFunction(alias, schema, false)
		if tool.OfFunction != nil {
			if desc := strings.TrimSpace(def.Description); desc != "" {
				tool.OfFunction.Description = openai.String(desc)
			}
		}
		aliasToReal[alias] = name
		out = append(out, tool)
	}
	return out, aliasToReal
}
