package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

var statusStyles = map[statusKind]struct {
	label  string
	colors text.Colors
}{
	statusInfo:  {"INFO", text.Colors{text.FgBlue}},
	statusOK:    {"OK", text.Colors{text.FgGreen}},
	statusWarn:  {"WARN", text.Colors{text.FgYellow}},
	statusError: {"ERROR", text.Colors{text.FgRed}},
}

// checkReport prints doctor results as labelled lines grouped under section
// headers and counts the errors among them.
type checkReport struct {
	out      io.Writer
	colorize bool
	failures int
}

func newCheckReport(out io.Writer) *checkReport {
	return &checkReport{out: out, colorize: shouldColorize(out)}
}

func (r *checkReport) section(title string) {
	line := "== " + strings.TrimSpace(title) + " =="
	if r.colorize {
		line = text.Colors{text.FgBlue, text.Bold}.Sprint(line)
	}
	fmt.Fprintln(r.out, line)
}

func (r *checkReport) line(label string, kind statusKind, message string) {
	if kind == statusError {
		r.failures++
	}
	style := statusStyles[kind]
	status := "[" + style.label + "]"
	if message != "" {
		status += " " + message
	}
	line := fmt.Sprintf("  %-20s %s", label+":", status)
	if r.colorize {
		line = style.colors.Sprint(line)
	}
	fmt.Fprintln(r.out, line)
}

// result is nil when no error line was reported.
func (r *checkReport) result() error {
	if r.failures == 0 {
		return nil
	}
	return fmt.Errorf("doctor found %d problem(s)", r.failures)
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
