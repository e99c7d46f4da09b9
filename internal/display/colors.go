// Package display renders operator-facing CLI output: backup set
// listings, restore plans, and health summaries, with color and
// terminal-capability fallbacks.
package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names a semantic role, not a concrete ANSI code
type Color string

const (
	ColorSuccess Color = "success"
	ColorWarning Color = "warning"
	ColorError   Color = "error"
	ColorInfo    Color = "info"
	ColorMuted   Color = "muted"
	ColorHeader  Color = "header"
)

// ColorSystem applies semantic colors with terminal detection
type ColorSystem struct {
	enabled  bool
	profile  termenv.Profile
	colorMap map[Color]*color.Color
}

// NewColorSystem creates a color system. With force unset, colors are
// only emitted when stdout is a capable terminal.
func NewColorSystem(force bool) *ColorSystem {
	cs := &ColorSystem{
		enabled: force || detectColorSupport(),
		profile: termenv.ColorProfile(),
		colorMap: map[Color]*color.Color{
			ColorSuccess: color.New(color.FgGreen),
			ColorWarning: color.New(color.FgYellow),
			ColorError:   color.New(color.FgRed, color.Bold),
			ColorInfo:    color.New(color.FgCyan),
			ColorMuted:   color.New(color.FgHiBlack),
			ColorHeader:  color.New(color.FgHiWhite, color.Bold),
		},
	}
	if !cs.enabled {
		color.NoColor = true
	}
	return cs
}

func detectColorSupport() bool {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// Enabled reports whether colors will be emitted
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

// Sprint colors text by semantic role
func (cs *ColorSystem) Sprint(clr Color, text string) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colorMap[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf colors formatted text by semantic role
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Sprint(clr, fmt.Sprintf(format, args...))
}
