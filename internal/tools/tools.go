// Package tools provides the built-in tool handlers served by the dispatcher
// process: file access confined to a project root, shell commands with
// first-class exit codes, URL fetching, host metrics and sub-agent fan-out.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/ralph/internal/mcp"
	"github.com/floegence/ralph/internal/monitor"
)

// Options configure the built-in tool set.
type Options struct {
	Log *slog.Logger
	// Root confines the file tools; relative paths resolve against it.
	Root string
	// Exe is the binary spawned for sub-agent jobs. Defaults to the current
	// executable.
	Exe     string
	Version string

	// CommandTimeout bounds one run_command invocation. Defaults to 120s.
	CommandTimeout time.Duration
	// FetchTimeout bounds one fetch_url invocation. Defaults to 30s.
	FetchTimeout time.Duration

	FanoutEnabled bool
	// FanoutMaxBatch caps one fan-out batch. Values outside (0, 500] use 500.
	FanoutMaxBatch int
}

type toolset struct {
	log     *slog.Logger
	root    string
	exe     string
	version string

	commandTimeout time.Duration
	fetchTimeout   time.Duration
	fanoutMax      int

	http *http.Client
	mon  *monitor.Collector
}

// Register installs the built-in tools into the dispatcher registry.
func Register(reg *mcp.Registry, opts Options) error {
	if reg == nil {
		return errors.New("nil registry")
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	t := &toolset{
		log:            log,
		root:           abs,
		exe:            strings.TrimSpace(opts.Exe),
		version:        version,
		commandTimeout: opts.CommandTimeout,
		fetchTimeout:   opts.FetchTimeout,
		fanoutMax:      opts.FanoutMaxBatch,
		http:           &http.Client{},
		mon:            monitor.NewCollector(log),
	}
	if t.commandTimeout <= 0 {
		t.commandTimeout = 120 * time.Second
	}
	if t.fetchTimeout <= 0 {
		t.fetchTimeout = 30 * time.Second
	}
	if t.fanoutMax <= 0 || t.fanoutMax > fanoutHardCap {
		t.fanoutMax = fanoutHardCap
	}

	regs := []struct {
		name   string
		desc   string
		schema map[string]any
		h      mcp.Handler
	}{
		{
			name: "read_file",
			desc: "Read the contents of a file. Paths resolve against the project root.",
			schema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path of the file to read."},
			}, "file_path"),
			h: t.readFile,
		},
		{
			name: "write_file",
			desc: "Write content to a file, creating parent directories as needed. The file is replaced atomically.",
			schema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path of the file to write."},
				"content":   map[string]any{"type": "string", "description": "Full new file content."},
			}, "file_path", "content"),
			h: t.writeFile,
		},
		{
			name: "list_files",
			desc: "List the entries of a directory. Directories carry a trailing slash.",
			schema: objectSchema(map[string]any{
				"directory_path": map[string]any{"type": "string", "description": "Directory to list. Defaults to the project root."},
				"recursive":      map[string]any{"type": "boolean", "description": "Walk the tree instead of one level."},
			}),
			h: t.listFiles,
		},
		{
			name: "run_command",
			desc: "Run a shell command in the project root and report stdout, stderr and the exit code.",
			schema: objectSchema(map[string]any{
				"command":         map[string]any{"type": "string", "description": "Command line passed to the shell."},
				"timeout_seconds": map[string]any{"type": "number", "description": "Kill the command after this many seconds."},
			}, "command"),
			h: t.runCommand,
		},
		{
			name: "fetch_url",
			desc: "Fetch an http(s) URL and return its text content. HTML is reduced to visible text.",
			schema: objectSchema(map[string]any{
				"url":     map[string]any{"type": "string", "description": "Absolute http or https URL."},
				"timeout": map[string]any{"type": "number", "description": "Request timeout in seconds."},
			}, "url"),
			h: t.fetchURL,
		},
		{
			name:   "system_info",
			desc:   "Report host metrics: platform, CPU, load and memory.",
			schema: objectSchema(map[string]any{}),
			h:      t.systemInfo,
		},
	}
	if opts.FanoutEnabled {
		regs = append(regs, struct {
			name   string
			desc   string
			schema map[string]any
			h      mcp.Handler
		}{
			name: "ralph",
			desc: "Fan a batch of independent tasks out to parallel sub-agents and collect their results in input order.",
			schema: objectSchema(map[string]any{
				"messages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "One task per entry, each handled by its own sub-agent.",
				},
				"context":  map[string]any{"type": "string", "description": "Shared context appended to every task."},
				"metadata": map[string]any{"type": "object", "description": "Opaque labels forwarded to the sub-agents."},
			}, "messages"),
			h: t.ralphFanout,
		})
	}
	for _, r := range regs {
		if err := reg.Register(r.name, r.desc, r.schema, r.h); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// resolve maps a tool-supplied path onto the root. Absolute paths must stay
// inside the root; relative paths resolve against it.
func (t *toolset) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("missing path")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(t.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(t.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project root: %s", p)
	}
	return abs, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// TextBlock is one text element of a tool result payload.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FileResult is the wire shape of read_file, list_files and fetch_url results.
type FileResult struct {
	Content []TextBlock `json:"content"`
}

// WriteResult is the wire shape of write_file results.
type WriteResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CommandResult is the wire shape of run_command results. The exit code is
// first-class so callers never parse status out of text.
type CommandResult struct {
	Output     []TextBlock `json:"output"`
	Stderr     string      `json:"error"`
	ExitCode   int         `json:"exit_code"`
	TimedOut   bool        `json:"timed_out"`
	DurationMs int64       `json:"duration_ms"`
}

// FanoutJobResult is one sub-agent outcome. Results keep input order.
type FanoutJobResult struct {
	Task     string `json:"task"`
	Output   string `json:"output"`
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exit_code"`
}

// FanoutResult is the wire shape of ralph fan-out results.
type FanoutResult struct {
	Results []FanoutJobResult `json:"results"`
}

func textResult(text string) FileResult {
	return FileResult{Content: []TextBlock{{Type: "text", Text: text}}}
}
