package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/ralph/internal/config"
	"github.com/floegence/ralph/internal/llm"
	"github.com/floegence/ralph/internal/mcp"
)

// fakeSession serves the tool surface the loop touches from memory.
type fakeSession struct {
	mu         sync.Mutex
	files      map[string]string
	calls      []string
	runResults map[string]fakeRun
	toolErr    map[string]error
	fanout     string // raw JSON payload returned by the ralph tool
	listErr    error
}

type fakeRun struct {
	exitCode int
	stderr   string
	timedOut bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		files:      map[string]string{},
		runResults: map[string]fakeRun{},
		toolErr:    map[string]error{},
	}
}

func (s *fakeSession) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeSession) file(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path]
}

func (s *fakeSession) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	return []mcp.ToolDescriptor{
		{Name: "read_file", Description: "Read a file", InputSchema: schema},
		{Name: "write_file", Description: "Write a file", InputSchema: schema},
		{Name: "run_command", Description: "Run a shell command", InputSchema: schema},
	}, nil
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)

	if err := s.toolErr[name]; err != nil {
		return nil, err
	}

	switch name {
	case "read_file":
		path, _ := args["file_path"].(string)
		content, ok := s.files[path]
		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "file not found: " + path}
		}
		return mustMarshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": content}},
		}), nil
	case "write_file":
		path, _ := args["file_path"].(string)
		content, _ := args["content"].(string)
		s.files[path] = content
		return mustMarshal(map[string]any{"status": "success", "message": "wrote " + path}), nil
	case "run_command":
		command, _ := args["command"].(string)
		res := s.runResults[command]
		return mustMarshal(map[string]any{
			"output":    []map[string]any{{"type": "text", "text": "output of " + command}},
			"error":     res.stderr,
			"exit_code": res.exitCode,
			"timed_out": res.timedOut,
		}), nil
	case "ralph":
		if s.fanout == "" {
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "fan-out not scripted"}
		}
		return json.RawMessage(s.fanout), nil
	default:
		return nil, &mcp.RPCError{Code: mcp.CodeUnknownTool, Message: "unknown tool: " + name}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// scriptProvider replays a fixed sequence of turns. A nil turn stands for a
// failed completion.
type scriptProvider struct {
	mu    sync.Mutex
	turns []*llm.Turn
	reqs  []llm.Request
}

func (p *scriptProvider) Complete(ctx context.Context, req llm.Request) (*llm.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.turns) == 0 {
		return nil, errors.New("completion script exhausted")
	}
	t := p.turns[0]
	p.turns = p.turns[1:]
	if t == nil {
		return nil, errors.New("scripted completion failure")
	}
	return t, nil
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.reqs))
	copy(out, p.reqs)
	return out
}

func textTurn(text string) *llm.Turn {
	return &llm.Turn{Text: text, StopReason: "end_turn"}
}

func toolTurn(calls ...llm.ToolCall) *llm.Turn {
	return &llm.Turn{ToolCalls: calls, StopReason: "tool_use"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(t *testing.T, workdir string, session ToolSession, provider llm.Provider, cfg *config.Config, manifest *config.Manifest) *Loop {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	l, err := New(Options{
		Log:      discardLogger(),
		Config:   cfg,
		Manifest: manifest,
		Workdir:  workdir,
		Session:  session,
		Provider: provider,
		RunID:    "run-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Provider: &scriptProvider{}, Workdir: "x", RunID: "r"}); err == nil {
		t.Fatal("New() without session did not fail")
	}
	if _, err := New(Options{Session: newFakeSession(), Workdir: "x", RunID: "r"}); err == nil {
		t.Fatal("New() without provider did not fail")
	}
	if _, err := New(Options{Session: newFakeSession(), Provider: &scriptProvider{}, RunID: "r"}); err == nil {
		t.Fatal("New() without workdir did not fail")
	}
	if _, err := New(Options{Session: newFakeSession(), Provider: &scriptProvider{}, Workdir: "x"}); err == nil {
		t.Fatal("New() without run id did not fail")
	}
}

func TestRunRegeneratesEmptyPlan(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("- task one\n- task two\n"), // planning
		textTurn("finished task one"),        // work item 1
		textTurn("finished task two"),        // work item 2
		textTurn("1. task one\n2. task two"), // replanning after all done
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if l.State() != StateDone {
		t.Fatalf("State() = %q, want %q", l.State(), StateDone)
	}

	want := "[x] task one\n[x] task two\n"
	if got := session.file("fix_plan.md"); got != want {
		t.Fatalf("plan file = %q, want %q", got, want)
	}

	reqs := provider.requests()
	if len(reqs) != 4 {
		t.Fatalf("completions = %d, want 4", len(reqs))
	}
	if len(reqs[0].Tools) != 0 {
		t.Fatalf("planning request offered %d tools, want 0", len(reqs[0].Tools))
	}
	if reqs[0].System != planningInstructions {
		t.Fatal("planning request does not use planning instructions")
	}
	if len(reqs[1].Tools) == 0 {
		t.Fatal("work request offered no tools")
	}
	if !strings.Contains(reqs[1].Messages[0].Text, "task one") {
		t.Fatalf("work prompt = %q, want it to carry the item", reqs[1].Messages[0].Text)
	}
}

func TestRunPersistsFreshPlanBeforeWork(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("- task one\n- task two\n"), // planning
		nil, // first work completion fails
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindCompletion {
		t.Fatalf("KindOf(err) = %q, want %q", KindOf(err), KindCompletion)
	}

	// Planning output was durable before the work phase started, with no
	// item marked done.
	want := "task one\ntask two\n"
	if got := session.file("fix_plan.md"); got != want {
		t.Fatalf("plan file = %q, want %q", got, want)
	}
}

func TestRunToolExchange(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"
	session.files["notes.txt"] = "compile error in parser"

	provider := &scriptProvider{turns: []*llm.Turn{
		toolTurn(llm.ToolCall{
			ID:   "call_1",
			Name: "read_file",
			Args: map[string]any{"file_path": "notes.txt"},
		}),
		textTurn("fixed the parser"),
		textTurn("task one"), // replanning proposes nothing new
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := session.file("fix_plan.md"); got != "[x] task one\n" {
		t.Fatalf("plan file = %q, want %q", got, "[x] task one\n")
	}

	reqs := provider.requests()
	if len(reqs) != 3 {
		t.Fatalf("completions = %d, want 3", len(reqs))
	}
	// Second completion sees user, assistant tool call, tool result.
	msgs := reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second request carries %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("messages[1] = %+v, want assistant tool call", msgs[1])
	}
	if msgs[2].Role != llm.RoleTool || msgs[2].ToolCallID != "call_1" {
		t.Fatalf("messages[2] = %+v, want tool result for call_1", msgs[2])
	}
	if !strings.Contains(msgs[2].Text, "compile error in parser") {
		t.Fatalf("tool result text = %q, want file contents", msgs[2].Text)
	}
}

func TestRunProtocolViolation(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"

	provider := &scriptProvider{turns: []*llm.Turn{
		toolTurn(llm.ToolCall{ID: "call_1", Name: "read_file", Invalid: true}),
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindProtocolViolation {
		t.Fatalf("Run() error = %v, want protocol violation", err)
	}
	if got := session.file("fix_plan.md"); got != "task one\n" {
		t.Fatalf("plan file = %q, want unchanged", got)
	}
}

func TestRunUnknownTool(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"

	provider := &scriptProvider{turns: []*llm.Turn{
		toolTurn(llm.ToolCall{ID: "call_1", Name: "bogus", Args: map[string]any{}}),
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindUnknownTool {
		t.Fatalf("Run() error = %v, want unknown tool", err)
	}
}

func TestRunToolExecutionFailure(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"
	session.toolErr["read_file"] = &mcp.RPCError{Code: mcp.CodeInternalError, Message: "disk on fire"}

	provider := &scriptProvider{turns: []*llm.Turn{
		toolTurn(llm.ToolCall{ID: "call_1", Name: "read_file", Args: map[string]any{"file_path": "x"}}),
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindToolExecution {
		t.Fatalf("Run() error = %v, want tool execution", err)
	}
}

func TestRunBoundExceeded(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"
	session.files["a.txt"] = "a"

	call := llm.ToolCall{ID: "call_1", Name: "read_file", Args: map[string]any{"file_path": "a.txt"}}
	provider := &scriptProvider{turns: []*llm.Turn{
		toolTurn(call), toolTurn(call), toolTurn(call),
	}}

	steps := 2
	cfg := config.Default()
	cfg.Loop = &config.LoopConfig{MaxToolSteps: &steps}

	l := newTestLoop(t, t.TempDir(), session, provider, cfg, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindBoundExceeded {
		t.Fatalf("Run() error = %v, want bound exceeded", err)
	}
	if got := session.file("fix_plan.md"); got != "task one\n" {
		t.Fatalf("plan file = %q, want unchanged", got)
	}
}

func TestRunIterationCap(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task a\ntask b\n"

	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("finished task a"),
	}}

	iterations := 1
	cfg := config.Default()
	cfg.Loop = &config.LoopConfig{MaxIterations: &iterations}

	l := newTestLoop(t, t.TempDir(), session, provider, cfg, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindBoundExceeded {
		t.Fatalf("Run() error = %v, want bound exceeded", err)
	}
	// The first item still completed and persisted before the cap hit.
	if got := session.file("fix_plan.md"); got != "[x] task a\ntask b\n" {
		t.Fatalf("plan file = %q, want first item done", got)
	}
}

func TestRunVerificationFailure(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"
	session.runResults["go test ./..."] = fakeRun{exitCode: 7, stderr: "tests exploded"}

	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("finished"),
	}}

	manifest := &config.Manifest{Verify: &config.VerifySpec{Test: "go test ./..."}}
	l := newTestLoop(t, t.TempDir(), session, provider, nil, manifest)

	err := l.Run(context.Background())
	if KindOf(err) != KindVerification {
		t.Fatalf("Run() error = %v, want verification", err)
	}
	if !strings.Contains(err.Error(), "exit 7") {
		t.Fatalf("Run() error = %q, want exit code in message", err)
	}
	if got := session.file("fix_plan.md"); got != "task one\n" {
		t.Fatalf("plan file = %q, want item left pending", got)
	}
}

func TestRunVerificationOrderAndPass(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"

	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("finished"),
		textTurn("task one"), // replanning
	}}

	manifest := &config.Manifest{Verify: &config.VerifySpec{Lint: "run-lint", Test: "run-test"}}
	l := newTestLoop(t, t.TempDir(), session, provider, nil, manifest)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var commands []string
	for _, name := range session.callNames() {
		if name == "run_command" {
			commands = append(commands, name)
		}
	}
	if len(commands) != 2 {
		t.Fatalf("run_command calls = %d, want 2 (lint then test)", len(commands))
	}
	if got := session.file("fix_plan.md"); got != "[x] task one\n" {
		t.Fatalf("plan file = %q, want item done", got)
	}
}

func TestRunCompletionFailure(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.files["fix_plan.md"] = "task one\n"

	provider := &scriptProvider{turns: []*llm.Turn{nil}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindCompletion {
		t.Fatalf("Run() error = %v, want completion", err)
	}
}

func TestRunPlanningProducesNothing(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("# just a heading\n```\nfence\n```\n"),
	}}

	l := newTestLoop(t, t.TempDir(), session, provider, nil, nil)
	err := l.Run(context.Background())
	if KindOf(err) != KindCompletion {
		t.Fatalf("Run() error = %v, want completion", err)
	}
	if !strings.Contains(err.Error(), "no usable tasks") {
		t.Fatalf("Run() error = %q", err)
	}
}

func TestPlanningUsesFanoutSummaries(t *testing.T) {
	t.Parallel()

	workdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workdir, "specs"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "specs", "core.md"), []byte("# core\nbuild the thing\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	session := newFakeSession()
	session.fanout = `{"results":[{"task":"summarize","output":"REQ: the thing must build","ok":true,"exit_code":0}]}`

	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("- build the thing\n"),
		textTurn("built it"),
		textTurn("build the thing"),
	}}

	enabled := true
	manifest := &config.Manifest{Fanout: &config.FanoutSpec{Analysis: &enabled}}
	l := newTestLoop(t, workdir, session, provider, nil, manifest)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sawFanout := false
	for _, name := range session.callNames() {
		if name == "ralph" {
			sawFanout = true
		}
	}
	if !sawFanout {
		t.Fatal("planning did not call the fan-out tool")
	}

	prompt := provider.requests()[0].Messages[0].Text
	if !strings.Contains(prompt, "Specification summaries") {
		t.Fatalf("planning prompt lacks summaries section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "REQ: the thing must build") {
		t.Fatalf("planning prompt lacks sub-agent output:\n%s", prompt)
	}
}

func TestPlanningInlinesSpecsWithoutFanout(t *testing.T) {
	t.Parallel()

	workdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workdir, "specs"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "specs", "core.md"), []byte("the parser must accept unicode"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	session := newFakeSession()
	provider := &scriptProvider{turns: []*llm.Turn{
		textTurn("- task one\n"),
		textTurn("done"),
		textTurn("task one"),
	}}

	l := newTestLoop(t, workdir, session, provider, nil, nil)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prompt := provider.requests()[0].Messages[0].Text
	if !strings.Contains(prompt, "the parser must accept unicode") {
		t.Fatalf("planning prompt lacks inlined spec:\n%s", prompt)
	}
	for _, name := range session.callNames() {
		if name == "ralph" {
			t.Fatal("fan-out called with analysis disabled")
		}
	}
}

func TestOperatingInstructions(t *testing.T) {
	t.Parallel()

	workdir := t.TempDir()
	session := newFakeSession()
	l := newTestLoop(t, workdir, session, &scriptProvider{}, nil, nil)
	if got := l.operatingInstructions(); got != defaultInstructions {
		t.Fatal("operatingInstructions() != built-in default without AGENT.md")
	}

	workdir2 := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir2, "AGENT.md"), []byte("always run make lint\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	l2 := newTestLoop(t, workdir2, session, &scriptProvider{}, nil, nil)
	if got := l2.operatingInstructions(); got != "always run make lint" {
		t.Fatalf("operatingInstructions() = %q, want project file contents", got)
	}
}

func TestClassifyToolError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"unknown tool", &mcp.RPCError{Code: mcp.CodeUnknownTool, Message: "x"}, KindUnknownTool},
		{"handler failure", &mcp.RPCError{Code: mcp.CodeInternalError, Message: "x"}, KindToolExecution},
		{"invalid params", &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "x"}, KindToolExecution},
		{"method not found", &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "x"}, KindTransport},
		{"wrapped rpc", fmt.Errorf("call: %w", &mcp.RPCError{Code: mcp.CodeUnknownTool, Message: "x"}), KindUnknownTool},
		{"deadline", context.DeadlineExceeded, KindTransport},
		{"canceled", context.Canceled, KindTransport},
		{"channel closed", mcp.ErrChannelClosed, KindTransport},
		{"plain", errors.New("boom"), KindTransport},
	}
	for _, tt := range tests {
		if got := classifyToolError(tt.err); got != tt.want {
			t.Fatalf("classifyToolError(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := newError(KindVerification, "verifying", "item", errors.New("boom"))
	if got := KindOf(err); got != KindVerification {
		t.Fatalf("KindOf() = %q, want %q", got, KindVerification)
	}
	if got := KindOf(fmt.Errorf("wrap: %w", err)); got != KindVerification {
		t.Fatalf("KindOf(wrapped) = %q, want %q", got, KindVerification)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestCommitMessage(t *testing.T) {
	t.Parallel()

	if got := commitMessage("fix the parser"); got != "ralph: fix the parser" {
		t.Fatalf("commitMessage() = %q", got)
	}
	if got := commitMessage("collapse   inner\n whitespace"); got != "ralph: collapse inner whitespace" {
		t.Fatalf("commitMessage() = %q", got)
	}

	long := strings.Repeat("abcde ", 30)
	got := commitMessage(long)
	if len([]rune(got)) != 72 {
		t.Fatalf("commitMessage(long) length = %d, want 72", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("commitMessage(long) = %q, want ... suffix", got)
	}
	if !strings.HasPrefix(got, "ralph: ") {
		t.Fatalf("commitMessage(long) = %q, want ralph: prefix", got)
	}
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := newFakeSession()
	l := newTestLoop(t, t.TempDir(), session, &scriptProvider{}, nil, nil)
	err := l.Run(ctx)
	if err == nil {
		t.Fatal("Run() with canceled context did not fail")
	}
	if KindOf(err) != KindTransport {
		t.Fatalf("Run() error = %v, want transport kind", err)
	}
}
