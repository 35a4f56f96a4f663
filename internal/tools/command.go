package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

func (t *toolset) runCommand(ctx context.Context, args map[string]any) (any, error) {
	command, _ := stringArg(args, "command")
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("missing command")
	}
	timeout := t.commandTimeout
	if secs, ok := numberArg(args, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	t.log.Debug("running command", "command", command, "timeout", timeout)
	res := execShell(ctx, execRequest{Command: command, Dir: t.root, Timeout: timeout})
	return CommandResult{
		Output:     []TextBlock{{Type: "text", Text: res.Stdout}},
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		DurationMs: res.DurationMs,
	}, nil
}

type execRequest struct {
	Command string
	Dir     string
	Timeout time.Duration
}

type execResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	DurationMs int64
}

// execShell runs a command line under the shell in its own process group so
// a timeout kills the whole tree. A non-zero exit status is data, not an
// error: it comes back in ExitCode.
func execShell(ctx context.Context, req execRequest) execResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(cctx, req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := execResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   errors.Is(cctx.Err(), context.DeadlineExceeded),
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	if res.TimedOut && strings.TrimSpace(res.Stderr) == "" {
		res.Stderr = fmt.Sprintf("command timed out after %s", timeout)
	}
	return res
}
