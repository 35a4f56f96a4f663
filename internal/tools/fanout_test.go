package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/floegence/ralph/internal/mcp"
)

// writeStubAgent creates a script that mimics the sub-agent command line:
// argv is ["run", "-dir", <dir>, "-quiet", <task>]. Tasks containing FAIL
// exit non-zero, everything else echoes its task.
func writeStubAgent(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub agent script is a shell script")
	}
	script := `#!/bin/sh
task="$5"
case "$task" in
*FAIL*)
  echo "stub failure for: $task" >&2
  exit 7
  ;;
*)
  printf 'done:%s' "$task"
  ;;
esac
`
	path := filepath.Join(dir, "stub-agent")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub agent: %v", err)
	}
	return path
}

func newFanoutRegistry(t *testing.T) *mcp.Registry {
	t.Helper()
	root := t.TempDir()
	exe := writeStubAgent(t, root)
	reg := mcp.NewRegistry()
	err := Register(reg, Options{Log: testLogger(), Root: root, Exe: exe, FanoutEnabled: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestFanoutKeepsInputOrder(t *testing.T) {
	t.Parallel()

	reg := newFanoutRegistry(t)
	messages := make([]any, 0, 6)
	for i := 0; i < 6; i++ {
		messages = append(messages, fmt.Sprintf("task-%d", i))
	}
	out, err := reg.Invoke(context.Background(), "ralph", map[string]any{"messages": messages})
	if err != nil {
		t.Fatalf("ralph: %v", err)
	}
	res, ok := out.(FanoutResult)
	if !ok {
		t.Fatalf("result = %#v, want FanoutResult", out)
	}
	if len(res.Results) != 6 {
		t.Fatalf("got %d results, want 6", len(res.Results))
	}
	for i, r := range res.Results {
		want := fmt.Sprintf("task-%d", i)
		if r.Task != want {
			t.Fatalf("results[%d].task = %q, want %q", i, r.Task, want)
		}
		if !r.OK {
			t.Fatalf("results[%d] failed: %q", i, r.Output)
		}
		if wantOut := "done:" + want; r.Output != wantOut {
			t.Fatalf("results[%d].output = %q, want %q", i, r.Output, wantOut)
		}
	}
}

func TestFanoutCapturesJobFailures(t *testing.T) {
	t.Parallel()

	reg := newFanoutRegistry(t)
	out, err := reg.Invoke(context.Background(), "ralph", map[string]any{
		"messages": []any{"good one", "FAIL this", "another good"},
	})
	if err != nil {
		t.Fatalf("ralph: %v", err)
	}
	res := out.(FanoutResult)
	if len(res.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(res.Results))
	}
	if !res.Results[0].OK || !res.Results[2].OK {
		t.Fatalf("healthy jobs reported failure: %+v", res.Results)
	}
	bad := res.Results[1]
	if bad.OK {
		t.Fatal("failing job reported ok")
	}
	if bad.ExitCode != 7 {
		t.Fatalf("exit_code = %d, want 7", bad.ExitCode)
	}
	if !strings.Contains(bad.Output, "stub failure") {
		t.Fatalf("output = %q, want the stderr detail", bad.Output)
	}
}

func TestFanoutAppendsSharedContext(t *testing.T) {
	t.Parallel()

	reg := newFanoutRegistry(t)
	out, err := reg.Invoke(context.Background(), "ralph", map[string]any{
		"messages": []any{"solo task"},
		"context":  "shared background",
	})
	if err != nil {
		t.Fatalf("ralph: %v", err)
	}
	res := out.(FanoutResult)
	if len(res.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(res.Results))
	}
	if !strings.Contains(res.Results[0].Output, "shared background") {
		t.Fatalf("output = %q, want the shared context in the prompt", res.Results[0].Output)
	}
}

func TestFanoutRejectsBadBatches(t *testing.T) {
	t.Parallel()

	reg := newFanoutRegistry(t)
	ctx := context.Background()

	if _, err := reg.Invoke(ctx, "ralph", map[string]any{"messages": []any{}}); err == nil {
		t.Fatal("empty batch succeeded")
	}
	if _, err := reg.Invoke(ctx, "ralph", map[string]any{"messages": "not an array"}); err == nil {
		t.Fatal("non-array messages succeeded")
	}
	if _, err := reg.Invoke(ctx, "ralph", map[string]any{"messages": []any{"ok", 42}}); err == nil {
		t.Fatal("non-string entry succeeded")
	}

	over := make([]any, fanoutHardCap+1)
	for i := range over {
		over[i] = "t"
	}
	if _, err := reg.Invoke(ctx, "ralph", map[string]any{"messages": over}); err == nil {
		t.Fatalf("batch over the %d cap succeeded", fanoutHardCap)
	}
}
