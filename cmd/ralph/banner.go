package main

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiDim   = "\x1b[2m"
	ansiCyan  = "\x1b[36m"
)

type bannerOptions struct {
	Version  string
	Workdir  string
	Model    string
	PlanFile string
}

var ralphLogo = []string{
	"██████   █████  ██      ██████  ██   ██",
	"██   ██ ██   ██ ██      ██   ██ ██   ██",
	"██████  ███████ ██      ██████  ███████",
	"██   ██ ██   ██ ██      ██      ██   ██",
	"██   ██ ██   ██ ███████ ██      ██   ██",
}

// printBanner writes the startup banner. It degrades to plain text when
// the writer is not a terminal so piped output stays readable.
func printBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	color := isTerminalWriter(w)

	style := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}

	fmt.Fprintln(w)
	for _, line := range ralphLogo {
		fmt.Fprintln(w, center(style(ansiCyan, line), width))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, center(style(ansiBold, "ralph "+opts.Version), width))
	fmt.Fprintln(w, center(style(ansiDim, "autonomous plan-driven coding loop"), width))
	fmt.Fprintln(w)

	info := []struct{ label, value string }{
		{"project", opts.Workdir},
		{"model", opts.Model},
		{"plan", opts.PlanFile},
	}
	labelWidth := 0
	for _, kv := range info {
		if len(kv.label) > labelWidth {
			labelWidth = len(kv.label)
		}
	}
	for _, kv := range info {
		if kv.value == "" {
			continue
		}
		line := fmt.Sprintf("%-*s  %s", labelWidth, kv.label, style(ansiCyan, kv.value))
		fmt.Fprintln(w, "  "+line)
	}
	fmt.Fprintln(w)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripAnsi(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// center pads s so its visible runes sit in the middle of width columns.
func center(s string, width int) string {
	visible := len([]rune(stripAnsi(s)))
	if visible >= width {
		return s
	}
	return strings.Repeat(" ", (width-visible)/2) + s
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	const fallback = 80
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}
