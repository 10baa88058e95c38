// Package presenter writes user-facing CLI output: status lines, sections,
// aligned tables, batch statistics and confirmations, with color support and
// a quiet mode that silences everything except errors.
package presenter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

// ColorMode represents different color output modes
type ColorMode int

const (
	// ColorAuto lets fatih/color detect terminal support
	ColorAuto ColorMode = iota
	// ColorAlways forces colored output
	ColorAlways
	// ColorNever disables colored output
	ColorNever
)

type level int

const (
	levelError level = iota
	levelSuccess
	levelWarning
	levelInfo
	levelHeader
	levelFaint
	levelPrompt
)

var styles = map[level]struct {
	prefix string
	color  *color.Color
}{
	levelError:   {"[ERROR] ", color.New(color.FgRed, color.Bold)},
	levelSuccess: {"✓ ", color.New(color.FgGreen, color.Bold)},
	levelWarning: {"⚠ ", color.New(color.FgYellow, color.Bold)},
	levelInfo:    {"", nil},
	levelHeader:  {"", color.New(color.Bold)},
	levelFaint:   {"", color.New(color.Faint)},
	levelPrompt:  {"", color.New(color.FgCyan)},
}

// RunStats summarises a batch operation such as a data migration
type RunStats struct {
	Label     string
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// Presenter is the output surface used by the CLI commands
type Presenter interface {
	Error(err error, context string)
	Success(message string)
	Warning(message string)
	Info(message string)
	Section(title string)
	Confirm(question string) bool
	Stats(stats *RunStats)
	Table(headers []string, rows [][]string)
	Separator()
	SetQuiet(quiet bool)
	IsQuiet() bool
}

// TerminalPresenter implements Presenter for terminal output
type TerminalPresenter struct {
	output      io.Writer
	errorOutput io.Writer
	input       *bufio.Reader
	colorMode   ColorMode
	quiet       bool
}

// New creates a TerminalPresenter on the process's standard streams
func New() *TerminalPresenter {
	return NewWithOptions(os.Stdout, os.Stderr, detectColorMode())
}

// NewWithOptions creates a TerminalPresenter with custom writers. Confirm
// reads from stdin unless WithInput is used.
func NewWithOptions(output, errorOutput io.Writer, colorMode ColorMode) *TerminalPresenter {
	switch colorMode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	}
	return &TerminalPresenter{
		output:      output,
		errorOutput: errorOutput,
		input:       bufio.NewReader(os.Stdin),
		colorMode:   colorMode,
	}
}

// WithInput sets the reader Confirm answers are read from.
func (p *TerminalPresenter) WithInput(r io.Reader) *TerminalPresenter {
	p.input = bufio.NewReader(r)
	return p
}

// detectColorMode honours NO_COLOR, then SKILLBOX_COLOR (always|force|never|off|auto)
func detectColorMode() ColorMode {
	if os.Getenv("NO_COLOR") != "" {
		return ColorNever
	}
	switch os.Getenv("SKILLBOX_COLOR") {
	case "always", "force":
		return ColorAlways
	case "never", "off":
		return ColorNever
	default:
		return ColorAuto
	}
}

func (p *TerminalPresenter) println(w io.Writer, l level, text string) {
	style := styles[l]
	line := style.prefix + text + "\n"
	if style.color == nil {
		fmt.Fprint(w, line)
		return
	}
	style.color.Fprint(w, line)
}

// Error writes err to stderr. It is printed even in quiet mode.
func (p *TerminalPresenter) Error(err error, context string) {
	if err == nil {
		return
	}
	msg := err.Error()
	if context != "" {
		msg = context + ": " + msg
	}
	p.println(p.errorOutput, levelError, msg)
}

// Success displays a success message
func (p *TerminalPresenter) Success(message string) {
	if !p.quiet {
		p.println(p.output, levelSuccess, message)
	}
}

// Warning displays a warning message
func (p *TerminalPresenter) Warning(message string) {
	if !p.quiet {
		p.println(p.output, levelWarning, message)
	}
}

// Info displays a plain message
func (p *TerminalPresenter) Info(message string) {
	if !p.quiet {
		p.println(p.output, levelInfo, message)
	}
}

// Section displays a title underlined with dashes
func (p *TerminalPresenter) Section(title string) {
	if p.quiet {
		return
	}
	p.println(p.output, levelHeader, title)
	p.println(p.output, levelHeader, strings.Repeat("-", len(title)))
}

// Confirm asks a yes/no question; only "y" or "yes" count as consent.
// Reading stops at end of input, which answers no.
func (p *TerminalPresenter) Confirm(question string) bool {
	styles[levelPrompt].color.Fprintf(p.output, "%s [y/N]: ", question)
	answer, err := p.input.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Stats displays one summary line for a batch, highlighted when any item failed
func (p *TerminalPresenter) Stats(stats *RunStats) {
	if p.quiet || stats == nil {
		return
	}
	l := levelPrompt
	if stats.Failed > 0 {
		l = levelWarning
	}
	line := fmt.Sprintf("[%s] Total: %d | Succeeded: %d | Skipped: %d | Failed: %d | Duration: %s",
		stats.Label, stats.Total, stats.Succeeded, stats.Skipped, stats.Failed, stats.Duration.Round(time.Millisecond))
	styles[l].color.Fprintln(p.output, line)
}

// Table displays rows aligned in columns under headers. Headers are left
// uncolored so escape codes do not skew the column widths.
func (p *TerminalPresenter) Table(headers []string, rows [][]string) {
	if p.quiet {
		return
	}
	w := tabwriter.NewWriter(p.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Separator displays a faint horizontal rule
func (p *TerminalPresenter) Separator() {
	if !p.quiet {
		p.println(p.output, levelFaint, strings.Repeat("-", 60))
	}
}

// SetQuiet enables or disables quiet mode
func (p *TerminalPresenter) SetQuiet(quiet bool) {
	p.quiet = quiet
}

// IsQuiet returns whether quiet mode is enabled
func (p *TerminalPresenter) IsQuiet() bool {
	return p.quiet
}

var defaultPresenter Presenter = New()

// Default returns the process-wide presenter used by the package functions.
func Default() Presenter { return defaultPresenter }

// SetDefault replaces the process-wide presenter and returns the previous one.
func SetDefault(p Presenter) Presenter {
	prev := defaultPresenter
	defaultPresenter = p
	return prev
}

// Package-level helpers delegate to the default presenter.

func Error(err error, context string)         { defaultPresenter.Error(err, context) }
func Success(message string)                  { defaultPresenter.Success(message) }
func Warning(message string)                  { defaultPresenter.Warning(message) }
func Info(message string)                     { defaultPresenter.Info(message) }
func Section(title string)                    { defaultPresenter.Section(title) }
func Confirm(question string) bool            { return defaultPresenter.Confirm(question) }
func Stats(stats *RunStats)                   { defaultPresenter.Stats(stats) }
func Table(headers []string, rows [][]string) { defaultPresenter.Table(headers, rows) }
func Separator()                              { defaultPresenter.Separator() }
func SetQuiet(quiet bool)                     { defaultPresenter.SetQuiet(quiet) }
func IsQuiet() bool                           { return defaultPresenter.IsQuiet() }
