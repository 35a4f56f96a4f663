package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// fanoutHardCap is the absolute batch ceiling regardless of configuration.
const fanoutHardCap = 500

// ralphFanout spawns one sub-agent process per message and joins the batch.
// Results keep input order; a failing job contributes its error text instead
// of failing the whole batch.
func (t *toolset) ralphFanout(ctx context.Context, args map[string]any) (any, error) {
	messages, err := stringSliceArg(args, "messages")
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	if len(messages) > t.fanoutMax {
		return nil, fmt.Errorf("batch of %d messages exceeds the %d-message limit", len(messages), t.fanoutMax)
	}
	contextText, _ := stringArg(args, "context")
	metaEnv := metadataEnv(args["metadata"])

	exe := t.exe
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent executable: %w", err)
		}
	}

	t.log.Info("fan-out batch started", "jobs", len(messages))
	results := make([]FanoutJobResult, len(messages))
	var wg sync.WaitGroup
	for i, msg := range messages {
		wg.Add(1)
		go func(i int, task string) {
			defer wg.Done()
			results[i] = t.runSubAgent(ctx, exe, task, contextText, metaEnv)
		}(i, msg)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	t.log.Info("fan-out batch finished", "jobs", len(results), "failed", failed)
	return FanoutResult{Results: results}, nil
}

func (t *toolset) runSubAgent(ctx context.Context, exe, task, contextText, metaEnv string) FanoutJobResult {
	res := FanoutJobResult{Task: task}
	prompt := strings.TrimSpace(task)
	if strings.TrimSpace(contextText) != "" {
		prompt = prompt + "\n\nContext:\n" + strings.TrimSpace(contextText)
	}
	jobID := uuid.NewString()

	cmd := exec.CommandContext(ctx, exe, "run", "-dir", t.root, "-quiet", prompt)
	cmd.Dir = t.root
	env := append(os.Environ(), "RALPH_SUBAGENT=1", "RALPH_JOB_ID="+jobID)
	if metaEnv != "" {
		env = append(env, "RALPH_JOB_META="+metaEnv)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if out != "" {
			detail = out + "\n" + detail
		}
		res.Output = detail
		t.log.Warn("sub-agent job failed", "job_id", jobID, "exit_code", res.ExitCode)
		return res
	}
	res.OK = true
	res.Output = out
	t.log.Debug("sub-agent job done", "job_id", jobID)
	return res
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is not a string", key, i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
}

func metadataEnv(raw any) string {
	meta, ok := raw.(map[string]any)
	if !ok || len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}
