package git

import (
	"strconv"
	"strings"
)

// NextTag returns the next release tag: the highest existing dot-separated
// integer tag with its last component bumped, or "0.0.0" when no such tag
// exists. Tags that are not pure dot-separated integers are ignored.
func NextTag(tags []string) string {
	var best []int
	for _, tag := range tags {
		parts, ok := parseNumericTag(tag)
		if !ok {
			continue
		}
		if best == nil || compareParts(parts, best) > 0 {
			best = parts
		}
	}
	if best == nil {
		return "0.0.0"
	}
	best[len(best)-1]++
	out := make([]string, len(best))
	for i, n := range best {
		out[i] = strconv.Itoa(n)
	}
	return strings.Join(out, ".")
}

func parseNumericTag(tag string) ([]int, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, false
	}
	fields := strings.Split(tag, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}

func compareParts(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	switch {
	case len(a) > len(b):
		return 1
	case len(a) < len(b):
		return -1
	default:
		return 0
	}
}
