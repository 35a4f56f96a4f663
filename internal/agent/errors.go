package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/floegence/ralph/internal/mcp"
)

// Kind classifies loop failures so callers and the journal can tell apart
// what broke without parsing message text.
type Kind string

const (
	// KindTransport covers the tool channel itself: closed stream,
	// malformed record, deadline on the wire. Fatal to the run.
	KindTransport Kind = "transport"

	// KindUnknownTool is a call to a tool the dispatcher does not serve.
	KindUnknownTool Kind = "unknown_tool"

	// KindToolExecution is a tool handler failing. Halts the work item.
	KindToolExecution Kind = "tool_execution"

	// KindPlanIO is a failed plan write. Reads recover to an empty plan
	// instead.
	KindPlanIO Kind = "plan_io"

	// KindVerification is a lint or test command exiting non-zero. The
	// item stays pending; the run ends without retry.
	KindVerification Kind = "verification"

	// KindProtocolViolation is a tool call with a missing name or
	// undecodable arguments.
	KindProtocolViolation Kind = "protocol_violation"

	// KindBoundExceeded is the exchange step cap or the iteration cap.
	KindBoundExceeded Kind = "bound_exceeded"

	// KindCompletion is the model endpoint failing or producing output
	// the loop cannot use.
	KindCompletion Kind = "completion"
)

// Error is a classified loop failure with the step and plan item it hit.
type Error struct {
	Kind Kind
	Step string
	Item string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "agent error"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, step, item string, err error) *Error {
	return &Error{Kind: kind, Step: step, Item: item, Err: err}
}

// KindOf extracts the failure kind, or "" for errors the loop did not
// classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

// classifyToolError maps a CallTool failure onto the taxonomy. Handler
// errors arrive as RPC errors; everything else means the channel itself
// failed.
func classifyToolError(err error) Kind {
	if err == nil {
		return ""
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case mcp.CodeUnknownTool:
			return KindUnknownTool
		case mcp.CodeMethodNotFound:
			return KindTransport
		default:
			return KindToolExecution
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}
	return KindTransport
}
