package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	out     string
	verbose bool
	steps   uint64
	dirs    []string
	defines []string
	on, off bool
}

func newFlags(f *fixture) *FlagSet {
	fs := NewFlagSet("t")
	fs.String(&f.out, "output", "o", "a.bin", "Output file", "file")
	fs.Bool(&f.verbose, "verbose", "v", false, "Verbose")
	fs.Uint(&f.steps, "steps", "", 1000, "Step limit", "n")
	fs.List(&f.dirs, "include", "I", nil, "Include dir", "path")
	fs.Special(&f.defines, "D", "Define", "name[=value]")
	fs.AddFlagGroup("Warning Flags", "", "warning", "", []FlagGroupEntry{
		{Name: "truncate", Prefix: "W", Usage: "Truncation", Enabled: &f.on, Disabled: &f.off},
	})
	return fs
}

func TestParse(t *testing.T) {
	var f fixture
	fs := newFlags(&f)
	err := fs.Parse([]string{"-o", "x.bin", "-v", "--steps=0x20", "-Iinc", "--include", "lib",
		"-DDEBUG", "-DLEVEL=2", "-Wno-truncate", "main.asm", "--", "-not-a-flag"})
	require.NoError(t, err)
	require.Equal(t, "x.bin", f.out)
	require.True(t, f.verbose)
	require.Equal(t, uint64(0x20), f.steps)
	require.Equal(t, []string{"inc", "lib"}, f.dirs)
	require.Equal(t, []string{"DEBUG", "LEVEL=2"}, f.defines)
	require.True(t, f.off)
	require.False(t, f.on)
	require.Equal(t, []string{"main.asm", "-not-a-flag"}, fs.Args())
}

func TestParseErrors(t *testing.T) {
	tests := map[string][]string{
		"unknown long":  {"--nope"},
		"unknown short": {"-q"},
		"missing value": {"-o"},
		"bad number":    {"--steps", "many"},
		"bad bool":      {"--verbose=maybe"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			var f fixture
			require.Error(t, newFlags(&f).Parse(args))
		})
	}
}

func TestRedefinitionPanics(t *testing.T) {
	var s string
	fs := NewFlagSet("t")
	fs.String(&s, "output", "o", "", "", "")
	require.Panics(t, func() { fs.String(&s, "output", "", "", "", "") })
	require.Panics(t, func() { fs.String(&s, "other", "o", "", "", "") })
}

func TestAppHelpAndUsage(t *testing.T) {
	var f fixture
	var stdout, stderr bytes.Buffer
	app := NewApp("tool")
	app.FlagSet = newFlags(&f)
	app.Synopsis = "[options] <input.asm>"
	app.Description = "Does things."
	app.Authors = []string{"someone"}
	app.Stdout, app.Stderr = &stdout, &stderr

	called := false
	app.Action = func(args []string) error {
		called = true
		return nil
	}
	require.NoError(t, app.Run([]string{"--help"}))
	require.False(t, called)
	help := stdout.String()
	require.Contains(t, help, "tool [options] <input.asm>")
	require.Contains(t, help, "-o <file>, --output <file>")
	require.Contains(t, help, "|a.bin|")
	require.Contains(t, help, "-Wno-<warning>")
	require.Contains(t, help, "Does things.")

	bare := NewApp("x")
	bare.Stderr = &stderr
	require.Error(t, bare.Run([]string{"--bogus"}))
	require.Contains(t, stderr.String(), "unknown flag: --bogus")
	require.Contains(t, stderr.String(), "Usage: x")
}

func TestWrapText(t *testing.T) {
	require.Equal(t, []string{"one two", "three"}, wrapText("one two three", 8))
	require.Empty(t, wrapText("   ", 8))
}
