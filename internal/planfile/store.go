package planfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/ralph/internal/mcp"
)

// ToolCaller is the slice of the transport client the store needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// StoreOptions configure a plan store.
type StoreOptions struct {
	Log   *slog.Logger
	Calls ToolCaller
	// Path is the plan file path, relative to the dispatcher root.
	Path string
}

// Store reads and writes the plan through the tool transport, so the loop
// and the model observe the same file through the same channel.
type Store struct {
	log   *slog.Logger
	calls ToolCaller
	path  string
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Calls == nil {
		return nil, errors.New("missing tool caller")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = "fix_plan.md"
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Store{log: log, calls: opts.Calls, path: path}, nil
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Read loads the plan. A missing or unreadable plan file is an empty plan;
// the planning phase decides whether to create it. Transport failures are
// not recoverable and propagate.
func (s *Store) Read(ctx context.Context) ([]Item, error) {
	raw, err := s.calls.CallTool(ctx, "read_file", map[string]any{"file_path": s.path})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			s.log.Debug("plan not readable, starting empty", "path", s.path, "reason", rpcErr.Message)
			return nil, nil
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(mcp.TextFromResult(raw)), nil
}

// Write persists the full plan, replacing the previous contents. Unlike
// reads, a failed write is an error: losing plan state silently would let
// the loop repeat or skip work.
func (s *Store) Write(ctx context.Context, items []Item) error {
	raw, err := s.calls.CallTool(ctx, "write_file", map[string]any{
		"file_path": s.path,
		"content":   Render(items),
	})
	if err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	var res struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &res); err == nil && res.Status != "" && res.Status != "success" {
		return fmt.Errorf("write plan: %s", res.Message)
	}
	return nil
}
