package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/ralph/internal/llm"
	"github.com/floegence/ralph/internal/planfile"
)

// regeneratePlan asks the provider for a fresh task list, merges it into the
// existing plan and persists the result before the loop continues. The
// planning turn offers no tools.
func (l *Loop) regeneratePlan(ctx context.Context, existing []planfile.Item) ([]planfile.Item, error) {
	turn, err := l.complete(ctx, llm.Request{
		System:   planningInstructions,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: l.planningPrompt(ctx, existing)}},
	})
	if err != nil {
		return nil, newError(KindCompletion, "planning", "", err)
	}

	proposals := planfile.ParseProposals(turn.Text)
	if len(proposals) == 0 {
		return nil, newError(KindCompletion, "planning", "",
			errors.New("planning turn produced no usable tasks"))
	}

	merged := planfile.Merge(existing, proposals)
	if err := l.writePlan(ctx, merged); err != nil {
		return nil, newError(KindPlanIO, "planning", "", err)
	}
	l.event(ctx, "plan_regenerated", "", fmt.Sprintf("%d proposals, %d items", len(proposals), len(merged)))
	l.log.Info("plan regenerated", "proposals", len(proposals), "items", len(merged))
	return merged, nil
}

// planningPrompt gathers everything the planner sees: the focus task, the
// current plan, the implementation plan document and the specification
// documents.
func (l *Loop) planningPrompt(ctx context.Context, existing []planfile.Item) string {
	var sb strings.Builder
	sb.WriteString("Propose the next engineering tasks for this project.\n")
	if l.task != "" {
		fmt.Fprintf(&sb, "\nFocus:\n%s\n", l.task)
	}
	if len(existing) > 0 {
		fmt.Fprintf(&sb, "\nCurrent plan (lines starting with %s are complete):\n%s",
			strings.TrimSpace(planfile.DoneMarker), planfile.Render(existing))
	}

	implPath := filepath.Join(l.workdir, l.manifest.EffectiveImplementationPlan())
	if b, err := os.ReadFile(implPath); err == nil {
		if text := strings.TrimSpace(string(b)); text != "" {
			fmt.Fprintf(&sb, "\n%s:\n%s\n", l.manifest.EffectiveImplementationPlan(), truncate(text, 20_000))
		}
	}

	if specs := l.specContext(ctx); specs != "" {
		sb.WriteString(specs)
	}
	return sb.String()
}

// specContext inlines the spec documents, or replaces them with sub-agent
// summaries when the manifest turns analysis fan-out on.
func (l *Loop) specContext(ctx context.Context) string {
	files := l.specFiles()
	if len(files) == 0 {
		return ""
	}
	if l.manifest.FanoutEnabled() && l.manifest.AnalysisEnabled() {
		if summaries := l.analyzeSpecs(ctx, files); summaries != "" {
			return summaries
		}
	}

	var sb strings.Builder
	sb.WriteString("\nSpecifications:\n")
	for _, rel := range files {
		b, err := os.ReadFile(filepath.Join(l.workdir, rel))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", rel, truncate(text, 8_000))
	}
	return sb.String()
}

// analyzeSpecs fans one summarization job per document out to sub-agents.
// Analysis is advisory: any failure returns "" and the caller inlines the
// documents instead.
func (l *Loop) analyzeSpecs(ctx context.Context, files []string) string {
	msgs := make([]string, 0, len(files))
	for _, rel := range files {
		msgs = append(msgs, fmt.Sprintf(
			"Read %s and reply with a concise summary of the requirements it contains, one per line.", rel))
	}

	// Sub-agent jobs outlive the ordinary tool budget.
	tctx, cancel := context.WithTimeout(ctx, 5*l.toolTimeout)
	defer cancel()

	l.event(ctx, "fanout", "", fmt.Sprintf("%d spec analysis jobs", len(msgs)))
	raw, err := l.session.CallTool(tctx, "ralph", map[string]any{
		"messages": msgs,
		"context":  "You are summarizing specification documents for a planning pass.",
	})
	if err != nil {
		l.log.Warn("spec analysis fan-out failed", "err", err)
		return ""
	}

	var res struct {
		Results []struct {
			Task   string `json:"task"`
			Output string `json:"output"`
			OK     bool   `json:"ok"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Results) == 0 {
		l.log.Warn("spec analysis result malformed", "err", err)
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\nSpecification summaries:\n")
	used := 0
	for i, job := range res.Results {
		out := strings.TrimSpace(job.Output)
		if !job.OK || out == "" {
			continue
		}
		name := fmt.Sprintf("job %d", i)
		if i < len(files) {
			name = files[i]
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", name, truncate(out, 4_000))
		used++
	}
	if used == 0 {
		return ""
	}
	return sb.String()
}
