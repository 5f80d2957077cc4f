package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, ptr(true), true},
		{"force off", false, ptr(false), false},
		{"keep disabled", true, nil, false},
		{"keep enabled", false, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if got := Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSprint(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = false
	if got := HiCyan().Sprint("libz.so"); !strings.Contains(got, "\x1b[") || !strings.Contains(got, "libz.so") {
		t.Errorf("HiCyan().Sprint() = %q, want escape codes", got)
	}
	color.NoColor = true
	if got := Bold().Sprint("Needed"); got != "Needed" {
		t.Errorf("Bold().Sprint() = %q with colors disabled", got)
	}
}

func ptr[T any](v T) *T { return &v }

func TestPrintJSON(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	v := map[string][]string{"needed": {"libc.so.6"}}

	color.NoColor = true
	var plain strings.Builder
	if err := PrintJSON(&plain, v); err != nil {
		t.Fatalf("PrintJSON() error = %v", err)
	}
	want := "{\n  \"needed\": [\n    \"libc.so.6\"\n  ]\n}\n"
	if plain.String() != want {
		t.Errorf("PrintJSON() = %q, want %q", plain.String(), want)
	}

	color.NoColor = false
	var hl strings.Builder
	if err := PrintJSON(&hl, v); err != nil {
		t.Fatalf("PrintJSON() error = %v", err)
	}
	if !strings.Contains(hl.String(), "\x1b[") || !strings.Contains(hl.String(), "libc.so.6") {
		t.Errorf("PrintJSON() = %q, want highlighted output", hl.String())
	}
}
