// Package output provides formatted CLI output for remote commands,
// transfers and tunnels.
package output

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eugenetaranov/sshwrap/internal/connector"
	"github.com/eugenetaranov/sshwrap/internal/connector/ssh"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Target prints the connection banner.
func (o *Output) Target(target string) {
	o.printf("%s %s\n", o.color(colorBold, "TARGET"), target)
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// Result prints a command's output. Stdout goes through unchanged; the
// status line and stderr are only shown for failures or in debug mode.
func (o *Output) Result(r *connector.Result, elapsed time.Duration) {
	if len(r.Stdout) > 0 {
		o.printf("%s\n", r.Stdout)
	}

	if r.Success() && !o.debug {
		return
	}

	indicator, statusColor := "✓", colorGreen
	if !r.Success() {
		indicator, statusColor = "✗", colorRed
	}

	o.printf("  %s %s %s\n",
		o.color(statusColor, indicator),
		o.color(statusColor, fmt.Sprintf("exit=%d", r.ExitCode)),
		o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))

	if len(r.Stderr) > 0 {
		o.printf("      %s\n", o.color(colorGray, "stderr:"))
		for _, line := range strings.Split(string(r.Stderr), "\n") {
			o.printf("        %s\n", line)
		}
	}
}

// Transferred prints one line per completed transfer.
func (o *Output) Transferred(direction string, files []string, target string, elapsed time.Duration) {
	o.printf("  %s %s %s %s %s\n",
		o.color(colorGreen, "✓"),
		o.color(colorGray, fmt.Sprintf("[%s]", direction)),
		strings.Join(files, ", "),
		o.color(colorCyan, "→ "+target),
		o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))
}

// TunnelOpen prints the forwarding rules held by a tunnel process.
func (o *Output) TunnelOpen(pid int, tunnels []ssh.Tunnel) {
	for _, t := range tunnels {
		o.printf("  %s %s %s %s\n",
			o.color(colorGreen, "⇄"),
			o.color(colorGray, fmt.Sprintf("[%s]", t.Direction())),
			t.String(),
			o.color(colorGray, fmt.Sprintf("(pid %d)", pid)))
	}
}

// TunnelClosed prints why a tunnel process went away.
func (o *Output) TunnelClosed(pid int, err error, stderr string) {
	if err == nil {
		o.printf("  %s tunnel closed %s\n", o.color(colorCyan, "○"), o.color(colorGray, fmt.Sprintf("(pid %d)", pid)))
		return
	}
	o.printf("  %s tunnel exited: %v %s\n", o.color(colorRed, "✗"), err, o.color(colorGray, fmt.Sprintf("(pid %d)", pid)))
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		o.printf("        %s\n", stderr)
	}
}

// Failure prints an error, with the client command and stderr in debug mode.
func (o *Output) Failure(err error) {
	var sshErr *ssh.Error
	if !errors.As(err, &sshErr) {
		o.Error("%v", err)
		return
	}

	o.printf("%s %s: %s\n", o.color(colorRed, "ERROR"), sshErr.Op, sshErr.Kind)
	if sshErr.Stderr != "" {
		o.printf("      %s %s\n", o.color(colorGray, "stderr:"), sshErr.Stderr)
	} else if sshErr.Err != nil {
		o.printf("      %s %v\n", o.color(colorGray, "cause:"), sshErr.Err)
	}
	if o.debug && len(sshErr.Command) > 0 {
		o.printf("      %s %s\n", o.color(colorGray, "command:"), strings.Join(sshErr.Command, " "))
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
