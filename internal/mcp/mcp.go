// Package mcp implements the line-delimited JSON-RPC 2.0 channel spoken
// between the agent loop and its tool dispatcher subprocess. Requests and
// responses travel as single JSON lines over stdin/stdout pipes.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the handshake version reported by initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes used on the wire. The -32000 range is reserved for
// implementation-defined errors; an unknown tool gets its own code so callers
// can tell a missing tool apart from a failing one.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnknownTool    = -32000
)

// Method names understood by the dispatcher.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no correlation id and
// therefore must not produce a response.
func (r *Request) IsNotification() bool { return r == nil || r.ID == nil }

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object carried inside a response. It implements
// error so tool failures can flow through ordinary error returns.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return "rpc error"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToolDescriptor describes one callable tool as reported by tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallParams is the params payload of a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// DecodeArgs normalizes a tools/call argument payload into the canonical map
// form. Payloads arrive either as a JSON object or as a JSON string wrapping
// an encoded object; both are accepted here so nothing past the transport
// boundary has to care which form the caller produced.
func DecodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	var encoded string
	if err := json.Unmarshal([]byte(trimmed), &encoded); err == nil {
		encoded = strings.TrimSpace(encoded)
		if encoded == "" || encoded == "null" {
			return map[string]any{}, nil
		}
		args = map[string]any{}
		if err := json.Unmarshal([]byte(encoded), &args); err != nil {
			return nil, fmt.Errorf("invalid encoded arguments: %w", err)
		}
		return args, nil
	}
	return nil, errors.New("arguments must be a JSON object or an encoded object")
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextFromResult extracts the concatenated text blocks from a tool result of
// the {"content":[{"type":"text","text":...}]} shape. Results that do not
// follow that shape come back verbatim.
func TextFromResult(raw json.RawMessage) string {
	var res struct {
		Content []textBlock `json:"content"`
		Output  []textBlock `json:"output"`
	}
	if err := json.Unmarshal(raw, &res); err == nil {
		blocks := res.Content
		if len(blocks) == 0 {
			blocks = res.Output
		}
		if len(blocks) > 0 {
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				if b.Type != "" && b.Type != "text" {
					continue
				}
				parts = append(parts, b.Text)
			}
			return strings.Join(parts, "\n")
		}
	}
	return strings.TrimSpace(string(raw))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
