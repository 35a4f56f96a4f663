package agent

import (
	"context"
	"fmt"

	"github.com/floegence/ralph/internal/llm"
	"github.com/floegence/ralph/internal/mcp"
)

// workOn drives the tool-call exchange for one plan item: a fresh
// conversation, the full tool list, completions until the model answers
// with free text. Each round of the exchange counts against the step cap.
func (l *Loop) workOn(ctx context.Context, item string) error {
	defs, err := l.ensureToolDefs(ctx)
	if err != nil {
		return err
	}

	msgs := []llm.Message{{Role: llm.RoleUser, Text: l.workPrompt(item)}}
	for step := 0; ; step++ {
		if step >= l.maxToolSteps {
			return newError(KindBoundExceeded, "working", item,
				fmt.Errorf("exchange step cap %d reached", l.maxToolSteps))
		}

		turn, err := l.complete(ctx, llm.Request{
			System:   l.operatingInstructions(),
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			return newError(KindCompletion, "working", item, err)
		}

		// Free text ends the exchange.
		if len(turn.ToolCalls) == 0 {
			l.event(ctx, "work_complete", item, truncate(turn.Text, 400))
			l.log.Info("work turn complete", "item", item, "steps", step)
			return nil
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      turn.Text,
			ToolCalls: turn.ToolCalls,
		})
		for _, call := range turn.ToolCalls {
			out, err := l.invokeTool(ctx, item, call)
			if err != nil {
				return err
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Text:       out,
			})
		}
	}
}

// invokeTool runs one requested call through the dispatcher under the tool
// deadline and returns its text result.
func (l *Loop) invokeTool(ctx context.Context, item string, call llm.ToolCall) (string, error) {
	if call.Name == "" || call.Invalid {
		return "", newError(KindProtocolViolation, "working", item,
			fmt.Errorf("malformed tool call %q", call.ID))
	}

	l.event(ctx, "tool_call", item, call.Name)
	l.log.Debug("tool call", "tool", call.Name, "id", call.ID)

	tctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	raw, err := l.session.CallTool(tctx, call.Name, call.Args)
	if err != nil {
		return "", newError(classifyToolError(err), "working", item,
			fmt.Errorf("tool %s: %w", call.Name, err))
	}
	return mcp.TextFromResult(raw), nil
}
