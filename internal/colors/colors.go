// Package colors provides the CLI color palette.
//
// Colors are disabled when stdout is not a terminal. Init overrides that from
// the --color flag.
package colors

import "github.com/fatih/color"

// Init forces colors on or off. A nil forceColor keeps the detected setting.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled reports whether colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color   { return color.New(color.Bold) }
func Faint() *color.Color  { return color.New(color.Faint) }
func HiBlue() *color.Color { return color.New(color.FgHiBlue) }
func HiCyan() *color.Color { return color.New(color.FgHiCyan) }

// Key formats the label of a key/value line.
var Key = Bold().SprintFunc()

// Path formats a library name or search path.
var Path = HiCyan().SprintFunc()
