package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// verify runs the manifest's lint then test commands through run_command
// and requires exit 0 from both. Empty commands are skipped. A failure
// leaves the item unmarked and ends the run.
func (l *Loop) verify(ctx context.Context, item string) error {
	for _, step := range []struct {
		name    string
		command string
	}{
		{"lint", l.manifest.LintCommand()},
		{"test", l.manifest.TestCommand()},
	} {
		if step.command == "" {
			l.log.Debug("verification step skipped", "step", step.name)
			continue
		}

		res, err := l.runCommand(ctx, step.command)
		if err != nil {
			return newError(classifyToolError(err), "verifying", item,
				fmt.Errorf("%s command: %w", step.name, err))
		}
		l.event(ctx, "verify", item, fmt.Sprintf("%s exit %d", step.name, res.ExitCode))

		if res.TimedOut {
			return newError(KindVerification, "verifying", item,
				fmt.Errorf("%s command timed out: %s", step.name, step.command))
		}
		if res.ExitCode != 0 {
			detail := strings.TrimSpace(res.Stderr)
			if detail == "" {
				detail = strings.TrimSpace(res.Output)
			}
			return newError(KindVerification, "verifying", item,
				fmt.Errorf("%s failed with exit %d: %s", step.name, res.ExitCode, truncate(detail, 2_000)))
		}
		l.log.Info("verification passed", "step", step.name)
	}
	return nil
}

type commandResult struct {
	Output   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// runCommand invokes run_command and decodes its wire shape. Exit status is
// data here, never an error.
func (l *Loop) runCommand(ctx context.Context, command string) (*commandResult, error) {
	tctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	raw, err := l.session.CallTool(tctx, "run_command", map[string]any{"command": command})
	if err != nil {
		return nil, err
	}

	var wire struct {
		Output []struct {
			Text string `json:"text"`
		} `json:"output"`
		Error    string `json:"error"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode run_command result: %w", err)
	}

	var out strings.Builder
	for _, block := range wire.Output {
		out.WriteString(block.Text)
	}
	return &commandResult{
		Output:   out.String(),
		Stderr:   wire.Error,
		ExitCode: wire.ExitCode,
		TimedOut: wire.TimedOut,
	}, nil
}
