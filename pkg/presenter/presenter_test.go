package presenter

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T) (*TerminalPresenter, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	t.Cleanup(func() { color.NoColor = prev })
	var out, errOut bytes.Buffer
	return NewWithOptions(&out, &errOut, ColorNever), &out, &errOut
}

func TestNew(t *testing.T) {
	p := New()
	assert.Equal(t, os.Stdout, p.output)
	assert.Equal(t, os.Stderr, p.errorOutput)
	assert.False(t, p.IsQuiet())
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name          string
		noColor       string
		skillboxColor string
		expected      ColorMode
	}{
		{"NO_COLOR wins", "1", "always", ColorNever},
		{"always", "", "always", ColorAlways},
		{"force", "", "force", ColorAlways},
		{"never", "", "never", ColorNever},
		{"off", "", "off", ColorNever},
		{"auto", "", "auto", ColorAuto},
		{"unset", "", "", ColorAuto},
		{"unknown value", "", "sometimes", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("SKILLBOX_COLOR", tt.skillboxColor)
			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestStatusLines(t *testing.T) {
	tests := []struct {
		name  string
		print func(p *TerminalPresenter)
		want  string
	}{
		{"success", func(p *TerminalPresenter) { p.Success("Uploaded echo") }, "✓ Uploaded echo\n"},
		{"warning", func(p *TerminalPresenter) { p.Warning("Aborted") }, "⚠ Aborted\n"},
		{"info", func(p *TerminalPresenter) { p.Info("No skills installed") }, "No skills installed\n"},
		{"section", func(p *TerminalPresenter) { p.Section("Scripts") }, "Scripts\n-------\n"},
		{"separator", func(p *TerminalPresenter) { p.Separator() }, strings.Repeat("-", 60) + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, _ := newBuffered(t)
			tt.print(p)
			assert.Equal(t, tt.want, out.String())

			out.Reset()
			p.SetQuiet(true)
			tt.print(p)
			assert.Empty(t, out.String(), "quiet mode")
		})
	}
}

func TestError(t *testing.T) {
	p, out, errOut := newBuffered(t)
	p.SetQuiet(true)

	p.Error(errors.New("skill \"echo\" already exists"), "upload failed")
	assert.Equal(t, "[ERROR] upload failed: skill \"echo\" already exists\n", errOut.String())

	errOut.Reset()
	p.Error(errors.New("boom"), "")
	assert.Equal(t, "[ERROR] boom\n", errOut.String())

	errOut.Reset()
	p.Error(nil, "context")
	assert.Empty(t, errOut.String())
	assert.Empty(t, out.String())
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"y", true},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			p, out, _ := newBuffered(t)
			p.WithInput(strings.NewReader(tt.input))
			assert.Equal(t, tt.want, p.Confirm("Delete skill echo?"))
			assert.Equal(t, "Delete skill echo? [y/N]: ", out.String())
		})
	}
}

func TestStats(t *testing.T) {
	p, out, _ := newBuffered(t)

	p.Stats(&RunStats{
		Label:     "2024-01-flat-store-to-vfs",
		Total:     5,
		Succeeded: 3,
		Skipped:   1,
		Failed:    1,
		Duration:  1500 * time.Microsecond,
	})
	assert.Equal(t, "[2024-01-flat-store-to-vfs] Total: 5 | Succeeded: 3 | Skipped: 1 | Failed: 1 | Duration: 2ms\n", out.String())

	out.Reset()
	p.Stats(nil)
	assert.Empty(t, out.String())

	p.SetQuiet(true)
	p.Stats(&RunStats{Label: "x", Total: 1})
	assert.Empty(t, out.String())
}

func TestTable(t *testing.T) {
	p, out, _ := newBuffered(t)

	p.Table([]string{"ID", "VERSION"}, [][]string{
		{"pdf-tools", "1.0.0"},
		{"echo", "2.1.0"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID         VERSION", lines[0])
	assert.Equal(t, "pdf-tools  1.0.0", lines[1])
	assert.Equal(t, "echo       2.1.0", lines[2])
}

func TestColorAlwaysWrapsOutput(t *testing.T) {
	prev := color.NoColor
	defer func() { color.NoColor = prev }()

	var out bytes.Buffer
	p := NewWithOptions(&out, &out, ColorAlways)
	p.Success("done")
	assert.Contains(t, out.String(), "\x1b[")
	assert.Contains(t, out.String(), "✓ done")
}

func TestDefaultPresenter(t *testing.T) {
	p, out, errOut := newBuffered(t)
	prev := SetDefault(p)
	defer SetDefault(prev)
	assert.Same(t, p, Default())

	Error(errors.New("test error"), "ctx")
	Success("success message")
	Warning("warning message")
	Info("info message")
	Section("Data Migrations")
	Stats(&RunStats{Label: "migrate", Total: 2, Succeeded: 2})
	Table([]string{"A"}, [][]string{{"b"}})
	Separator()

	assert.Equal(t, "[ERROR] ctx: test error\n", errOut.String())
	for _, want := range []string{"✓ success message", "⚠ warning message", "info message", "Data Migrations", "[migrate]", "A\nb\n"} {
		assert.Contains(t, out.String(), want)
	}

	SetQuiet(true)
	assert.True(t, IsQuiet())
	out.Reset()
	Info("should not appear")
	assert.Empty(t, out.String())
	SetQuiet(false)
	assert.False(t, IsQuiet())
}
