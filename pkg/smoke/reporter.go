package smoke

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	greenColor = "\x1b[32m"
	redColor   = "\x1b[31m"
	resetColor = "\x1b[0m"
)

// Reporter prints PASS/FAIL lines and keeps the failure count that becomes
// the process exit status.
type Reporter struct {
	out      io.Writer
	colored  bool
	failures int
}

// NewReporter writes uncolored reports to out.
func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// NewConsoleReporter writes reports to standard output, coloring the
// PASS/FAIL tags when it is a terminal and color was not disabled in the
// configuration.
func NewConsoleReporter(disableColors bool) *Reporter {
	colored := !disableColors && isatty.IsTerminal(os.Stdout.Fd())
	var out io.Writer = os.Stdout
	if colored {
		out = colorable.NewColorableStdout()
	}
	return &Reporter{out: out, colored: colored}
}

// Report prints one check result and counts the failure if cond is false.
func (r *Reporter) Report(cond bool, msg string) {
	tag, color := "PASS", greenColor
	if !cond {
		tag, color = "FAIL", redColor
		r.failures++
	}
	if r.colored {
		fmt.Fprintf(r.out, "%s%s%s: %s\n", color, tag, resetColor, msg)
	} else {
		fmt.Fprintf(r.out, "%s: %s\n", tag, msg)
	}
}

// Printf prints an unscored line, for banners and skip notices.
func (r *Reporter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// Failures returns the number of failed checks so far.
func (r *Reporter) Failures() int {
	return r.failures
}

// Summary prints the closing line of a run.
func (r *Reporter) Summary() {
	fmt.Fprintf(r.out, "All tests complete: %d failures\n", r.failures)
}
