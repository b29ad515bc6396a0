package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/ZacharyZcR/HookScan/internal/scanner"
)

var _ scanner.Logger = (*ConsoleLogger)(nil)

// ConsoleLogger prints scan progress with a colored marker per level.
type ConsoleLogger struct {
	w       io.Writer
	info    *color.Color
	warn    *color.Color
	err     *color.Color
	success *color.Color
}

// NewConsoleLogger returns a logger writing to w, or to color.Output when w is nil.
func NewConsoleLogger(w io.Writer) *ConsoleLogger {
	if w == nil {
		w = color.Output
	}
	return &ConsoleLogger{
		w:       w,
		info:    color.New(color.FgCyan),
		warn:    color.New(color.FgYellow),
		err:     color.New(color.FgRed, color.Bold),
		success: color.New(color.FgGreen),
	}
}

func (l *ConsoleLogger) Infof(format string, args ...any) {
	l.print(l.info, "[*]", format, args...)
}

func (l *ConsoleLogger) Warnf(format string, args ...any) {
	l.print(l.warn, "[!]", format, args...)
}

func (l *ConsoleLogger) Errorf(format string, args ...any) {
	l.print(l.err, "[-]", format, args...)
}

func (l *ConsoleLogger) Successf(format string, args ...any) {
	l.print(l.success, "[+]", format, args...)
}

func (l *ConsoleLogger) print(c *color.Color, marker, format string, args ...any) {
	_, _ = c.Fprint(l.w, marker)
	_, _ = fmt.Fprintf(l.w, " %s\n", fmt.Sprintf(format, args...))
}
