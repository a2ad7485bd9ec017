package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/shellguard/internal/sandbox"
)

const truncationMarker = "\n... [output truncated]"

// formatOutcome renders a human-readable summary of an outcome.
func formatOutcome(o *sandbox.Outcome, captured bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", o.Command)
	fmt.Fprintf(&b, "Working directory: %s\n", o.WorkDir)
	if o.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *o.ExitCode)
	} else {
		b.WriteString("Exit code: none\n")
	}
	fmt.Fprintf(&b, "Duration: %s\n", o.Duration.Round(time.Millisecond))
	if o.TimedOut {
		b.WriteString("Status: timed out, process tree killed\n")
	}

	if !captured {
		b.WriteString("\n(output capture disabled)")
		return b.String()
	}
	if o.Stdout == "" && o.Stderr == "" {
		b.WriteString("\n(no output)")
		return b.String()
	}
	writeSection(&b, "STDOUT", o.Stdout, o.StdoutTruncated)
	writeSection(&b, "STDERR", o.Stderr, o.StderrTruncated)
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title, text string, truncated bool) {
	if text == "" && !truncated {
		return
	}
	fmt.Fprintf(b, "\n%s:\n%s", title, strings.TrimRight(text, "\n"))
	if truncated {
		b.WriteString(truncationMarker)
	}
	b.WriteString("\n")
}
