package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultInstructions = `You are an autonomous software engineering agent working inside one
project directory. You complete one task at a time using the available
tools.

Rules:
- Use read_file, list_files and run_command to inspect the project before
  changing anything.
- Make the smallest change that completes the task. Prefer editing existing
  files over rewriting them.
- Write files with write_file; paths are relative to the project root.
- Verify your work: run the project's tests or build commands when they
  exist.
- Do not edit the plan file and do not mark tasks complete; the runner
  tracks progress.
- When the task is done, reply with a short plain-text summary of what
  changed instead of calling another tool.`

const planningInstructions = `You plan work for an autonomous coding agent. Given project context and
specifications, produce the prioritized list of concrete engineering tasks
that remain.

Rules:
- Output one task per line. No headings, no prose, no code fences.
- Each task must be a single self-contained sentence an engineer could act
  on without further context.
- Order by priority: correctness first, then features, then cleanup.
- Never repeat tasks that are already marked complete.`

// operatingInstructions prefers the project's agent file over the built-in
// default. Loaded once per run.
func (l *Loop) operatingInstructions() string {
	if l.instructions != "" {
		return l.instructions
	}
	l.instructions = defaultInstructions
	path := filepath.Join(l.workdir, l.manifest.EffectiveAgentFile())
	if b, err := os.ReadFile(path); err == nil {
		if text := strings.TrimSpace(string(b)); text != "" {
			l.instructions = text
			l.log.Debug("using project instructions", "file", l.manifest.EffectiveAgentFile())
		}
	}
	return l.instructions
}

// workPrompt frames one plan item as the user turn of a fresh conversation.
func (l *Loop) workPrompt(item string) string {
	var sb strings.Builder
	sb.WriteString("Work on exactly this task and nothing else:\n\n")
	sb.WriteString(strings.TrimSpace(item))
	sb.WriteString("\n")
	if docs := l.contextDocs(); docs != "" {
		sb.WriteString("\nProject context:\n")
		sb.WriteString(docs)
	}
	return sb.String()
}

// contextDocs points the work turn at the supporting documents without
// inlining them; the model reads what it needs through the tools.
func (l *Loop) contextDocs() string {
	var sb strings.Builder
	implPath := filepath.Join(l.workdir, l.manifest.EffectiveImplementationPlan())
	if st, err := os.Stat(implPath); err == nil && !st.IsDir() {
		fmt.Fprintf(&sb, "- %s holds the implementation plan.\n", l.manifest.EffectiveImplementationPlan())
	}
	if files := l.specFiles(); len(files) > 0 {
		sb.WriteString("- Specification documents:\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "  - %s\n", f)
		}
	}
	return sb.String()
}

// specFiles lists the markdown documents under the specs directory as
// workdir-relative paths, sorted.
func (l *Loop) specFiles() []string {
	specsDir := l.manifest.EffectiveSpecsDir()
	entries, err := os.ReadDir(filepath.Join(l.workdir, specsDir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			out = append(out, filepath.Join(specsDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}

// truncate caps s at max runes, marking the cut.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[truncated]"
}
