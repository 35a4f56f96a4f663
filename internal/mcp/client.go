package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrChannelClosed indicates the response stream ended, broke, or was
	// poisoned by an earlier timeout before a response arrived.
	ErrChannelClosed = errors.New("tool channel closed")
	// ErrMalformedResponse indicates a line that is not a valid response or
	// whose id does not correlate with the request in flight.
	ErrMalformedResponse = errors.New("malformed tool response")
)

type readResult struct {
	line string
	err  error
}

// Client drives one request/response channel. Calls are strictly serialized:
// the mutex is held across the whole round trip, so a second request can
// never be in flight on the same channel.
type Client struct {
	log *slog.Logger

	mu     sync.Mutex
	enc    *json.Encoder
	lines  chan readResult
	nextID int64
	broken bool

	serverInfo ServerInfo
}

// NewClient wires a client to the given channel streams and starts its read
// loop. The reader goroutine exits when r reaches EOF or fails.
func NewClient(w io.Writer, r io.Reader, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	c := &Client{log: log, enc: enc, lines: make(chan readResult, 1)}
	go c.readLoop(r)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.lines <- readResult{line: line}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.lines <- readResult{err: err}
	close(c.lines)
}

// Initialize performs the handshake: the initialize round trip followed by
// the initialized notification.
func (c *Client) Initialize(ctx context.Context) (ServerInfo, error) {
	raw, err := c.call(ctx, MethodInitialize, map[string]any{})
	if err != nil {
		return ServerInfo{}, err
	}
	var out InitializeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ServerInfo{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	c.mu.Lock()
	c.serverInfo = out.ServerInfo
	c.mu.Unlock()
	if err := c.notify(MethodInitialized, map[string]any{}); err != nil {
		return out.ServerInfo, err
	}
	c.log.Debug("channel initialized", "server", out.ServerInfo.Name, "protocol", out.ProtocolVersion)
	return out.ServerInfo, nil
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	if c == nil {
		return ServerInfo{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ListTools fetches the dispatcher's tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.call(ctx, MethodListTools, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out ListToolsResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.Tools, nil
}

// CallTool invokes one tool and returns its raw result payload. Tool-level
// failures come back as *RPCError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("missing tool name")
	}
	if args == nil {
		args = map[string]any{}
	}
	return c.call(ctx, MethodCallTool, CallParams{Name: name, Arguments: mustJSON(args)})
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return nil, ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	req := Request{JSONRPC: "2.0", Method: method, ID: &id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = b
	}
	if err := c.enc.Encode(req); err != nil {
		c.broken = true
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	select {
	case <-ctx.Done():
		// A late response would correlate against the wrong call, so the
		// channel cannot be reused after a timeout.
		c.broken = true
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, ctx.Err())
	case rr, ok := <-c.lines:
		if !ok || rr.err != nil {
			c.broken = true
			if rr.err != nil && !errors.Is(rr.err, io.EOF) {
				return nil, fmt.Errorf("%w: %v", ErrChannelClosed, rr.err)
			}
			return nil, ErrChannelClosed
		}
		var resp Response
		if err := json.Unmarshal([]byte(rr.line), &resp); err != nil {
			c.broken = true
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if resp.ID == nil || *resp.ID != id {
			c.broken = true
			return nil, fmt.Errorf("%w: response does not correlate with request %d", ErrMalformedResponse, id)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *Client) notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return ErrChannelClosed
	}
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = b
	}
	if err := c.enc.Encode(req); err != nil {
		c.broken = true
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}
