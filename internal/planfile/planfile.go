// Package planfile implements the persistent task plan: a flat text file of
// task lines where a leading "[x] " marks an item complete. The plan is the
// loop's only progress record, so every mutation goes back to disk before the
// loop moves on.
package planfile

import "strings"

// DoneMarker prefixes completed lines in the rendered plan.
const DoneMarker = "[x] "

const pendingMarker = "[ ] "

// Item is one task line.
type Item struct {
	Text string
	Done bool
}

// Parse reads plan content into items. Every non-blank line is one item; the
// done marker and any leading bullet or numbering are stripped from the text
// so "- task" and "task" are the same item.
func Parse(content string) []Item {
	lines := strings.Split(content, "\n")
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		text, done := splitLine(line)
		if text == "" {
			continue
		}
		items = append(items, Item{Text: text, Done: done})
	}
	return items
}

// Render writes items back to plan file form: one line per item, completed
// items prefixed with the done marker.
func Render(items []Item) string {
	var sb strings.Builder
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		if it.Done {
			sb.WriteString(DoneMarker)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Normalize reduces a task line to its dedup key: markers, bullets and
// numbering stripped, inner whitespace collapsed. Comparison stays
// case-sensitive.
func Normalize(line string) string {
	text, _ := splitLine(line)
	return strings.Join(strings.Fields(text), " ")
}

// Merge folds newly proposed task lines into an existing plan. Completed
// items come first with their text kept verbatim, then the pending items,
// then the new proposals, deduplicated by normalized text throughout.
func Merge(existing []Item, proposed []string) []Item {
	out := make([]Item, 0, len(existing)+len(proposed))
	seen := make(map[string]struct{}, len(existing)+len(proposed))
	add := func(it Item) {
		key := Normalize(it.Text)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	for _, it := range existing {
		if it.Done {
			add(it)
		}
	}
	for _, it := range existing {
		if !it.Done {
			add(it)
		}
	}
	for _, line := range proposed {
		text, _ := splitLine(line)
		if text == "" {
			continue
		}
		add(Item{Text: text})
	}
	return out
}

// SelectNext returns the index of the first pending item, or -1 when every
// item is done.
func SelectNext(items []Item) int {
	for i, it := range items {
		if !it.Done {
			return i
		}
	}
	return -1
}

// MarkDone returns a copy of items with the given index completed. An index
// out of range returns the input unchanged.
func MarkDone(items []Item, idx int) []Item {
	if idx < 0 || idx >= len(items) {
		return items
	}
	out := make([]Item, len(items))
	copy(out, items)
	out[idx].Done = true
	return out
}

// NeedsRegeneration reports whether the plan has no pending work left and the
// planning phase must run: an empty plan or one with every item done.
func NeedsRegeneration(items []Item) bool {
	return SelectNext(items) < 0
}

// ParseProposals extracts candidate task lines from model output. Code fence
// markers and markdown headings are dropped; bullets, numbering and done
// markers are stripped from what remains.
func ParseProposals(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		task, _ := splitLine(trimmed)
		if task == "" {
			continue
		}
		out = append(out, task)
	}
	return out
}

func splitLine(line string) (string, bool) {
	text := stripBullet(strings.TrimSpace(line))
	done := false
	switch {
	case strings.HasPrefix(text, DoneMarker):
		done = true
		text = strings.TrimPrefix(text, DoneMarker)
	case strings.HasPrefix(text, pendingMarker):
		text = strings.TrimPrefix(text, pendingMarker)
	case text == strings.TrimSpace(DoneMarker):
		return "", false
	}
	return stripBullet(strings.TrimSpace(text)), done
}

func stripBullet(s string) string {
	for {
		trimmed := strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(trimmed, "- "):
			s = trimmed[2:]
		case strings.HasPrefix(trimmed, "* "):
			s = trimmed[2:]
		case strings.HasPrefix(trimmed, "• "):
			s = strings.TrimPrefix(trimmed, "• ")
		default:
			if n := numberingLen(trimmed); n > 0 {
				s = trimmed[n:]
				continue
			}
			return trimmed
		}
	}
}

// numberingLen returns the length of a "1. " or "12) " style prefix, or 0.
func numberingLen(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i > 3 || i >= len(s) {
		return 0
	}
	if s[i] != '.' && s[i] != ')' {
		return 0
	}
	if i+1 >= len(s) || s[i+1] != ' ' {
		return 0
	}
	return i + 2
}
