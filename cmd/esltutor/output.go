package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/esltutor/internal/apperr"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// reportedFailure is returned by commands that already printed the details
// of a partial failure; main only adds the summary line.
type reportedFailure struct {
	kind apperr.Kind
	ids  []string
}

func (e *reportedFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, strings.Join(e.ids, ", "))
}

// describeError renders err as "<kind> <ids>" for the final status line.
func describeError(err error) string {
	var rf *reportedFailure
	if errors.As(err, &rf) {
		return strings.TrimSpace(string(rf.kind) + " " + strings.Join(rf.ids, " "))
	}
	kind := apperr.KindOf(err)
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.ID != "" {
		return string(kind) + " " + ae.ID
	}
	return string(kind)
}

// writeJSON writes v as indented JSON to path, or to w when path is "" or "-".
func writeJSON(w io.Writer, path string, v any) error {
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
