package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler executes one tool invocation. Handlers receive canonical arguments
// (see DecodeArgs) and return a JSON-serializable result.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ErrUnknownTool is returned by Registry.Invoke for names with no registration.
var ErrUnknownTool = errors.New("unknown tool")

type registration struct {
	desc    ToolDescriptor
	handler Handler
}

// Registry holds the name to handler bindings for a dispatcher process.
// Registering an existing name overwrites it; listing keeps registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

func (r *Registry) Register(name, description string, schema map[string]any, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing tool name")
	}
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = registration{
		desc:    ToolDescriptor{Name: name, Description: strings.TrimSpace(description), InputSchema: schema},
		handler: h,
	}
	return nil
}

// Descriptors returns the registered tools in registration order.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		if reg, ok := r.tools[name]; ok {
			out = append(out, reg.desc)
		}
	}
	return out
}

// Invoke dispatches one call to the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := reg.handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// ServerOptions configure a dispatcher serve loop.
type ServerOptions struct {
	Log      *slog.Logger
	Registry *Registry
	In       io.Reader
	Out      io.Writer
	Name     string
	Version  string
}

// Server answers line-delimited JSON-RPC requests one at a time. A request
// is dispatched to completion before the next line is read, so the channel
// never has more than one call in flight.
type Server struct {
	log     *slog.Logger
	reg     *Registry
	in      io.Reader
	name    string
	version string

	writeMu sync.Mutex
	enc     *json.Encoder
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("missing registry")
	}
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("missing channel streams")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "ralph-tools"
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	enc := json.NewEncoder(opts.Out)
	enc.SetEscapeHTML(false)
	return &Server{log: log, reg: opts.Registry, in: opts.In, name: name, version: version, enc: enc}, nil
}

// Serve reads requests until the input stream ends or ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.log.Warn("undecodable request line", "error", err)
			if werr := s.write(Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}}); werr != nil {
				return werr
			}
			continue
		}
		resp, reply := s.handle(ctx, &req)
		if !reply {
			continue
		}
		if err := s.write(resp); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *Server) handle(ctx context.Context, req *Request) (Response, bool) {
	method := strings.TrimSpace(req.Method)
	if req.IsNotification() {
		if method != MethodInitialized {
			s.log.Debug("ignoring notification", "method", method)
		}
		return Response{}, false
	}
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch method {
	case MethodInitialize:
		resp.Result = mustJSON(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
		})
	case MethodListTools:
		resp.Result = mustJSON(ListToolsResult{Tools: s.reg.Descriptors()})
	case MethodCallTool:
		resp = s.handleCall(ctx, req)
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
	return resp, true
}

func (s *Server) handleCall(ctx context.Context, req *Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	var params CallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "invalid tools/call params"}
			return resp
		}
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		resp.Error = &RPCError{Code: CodeInvalidParams, Message: "missing tool name"}
		return resp
	}
	args, err := DecodeArgs(params.Arguments)
	if err != nil {
		resp.Error = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		return resp
	}
	s.log.Debug("tool call", "tool", name)
	out, err := s.reg.Invoke(ctx, name, args)
	if err != nil {
		s.log.Warn("tool call failed", "tool", name, "error", err)
		code := CodeInternalError
		if errors.Is(err, ErrUnknownTool) {
			code = CodeUnknownTool
		}
		resp.Error = &RPCError{Code: code, Message: err.Error()}
		return resp
	}
	b, err := json.Marshal(out)
	if err != nil {
		resp.Error = &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("encode result: %v", err)}
		return resp
	}
	resp.Result = b
	return resp
}

func (s *Server) write(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(resp)
}
