package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/config"
)

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestGoldenPath(t *testing.T) {
	require.Equal(t, filepath.Join("tests", ".hello.asm.json"), goldenPath(filepath.Join("tests", "hello.asm"), ""))
	require.Equal(t, filepath.Join("out", ".hello.asm.json"), goldenPath(filepath.Join("tests", "hello.asm"), "out"))
}

func TestHeaderOptions(t *testing.T) {
	path := writeSource(t, "h.asm", ";! model=cpc6128\n;! option=-Wunused-label\n;! define=LEVEL=3\n nop\n;! model=bogus\n")
	cfg := config.NewConfig()
	require.NoError(t, headerOptions(path, cfg))
	require.Equal(t, "cpc6128", cfg.Model.Name)
	require.True(t, cfg.IsWarningEnabled(config.WarnUnusedLabel))
	require.Equal(t, uint16(3), cfg.Defines["LEVEL"])

	bad := writeSource(t, "b.asm", ";! colour=blue\n")
	require.Error(t, headerOptions(bad, config.NewConfig()))
}

func TestEvaluateRunsCleanPrograms(t *testing.T) {
	path := writeSource(t, "run.asm", " .org #100\n ld a,'!'\n out (1),a\n halt\n")
	hash, err := hashFile(path)
	require.NoError(t, err)
	require.Len(t, hash, 16)

	out, err := evaluate(path, hash, 100)
	require.NoError(t, err)
	require.Empty(t, out.Diagnostics)
	require.Len(t, out.Segments, 1)
	require.NotNil(t, out.Run)
	require.True(t, out.Run.Halted)
	require.Equal(t, "!", out.Run.Console)
	require.Equal(t, uint16(0x0105), out.Run.Regs["PC"])
}

func TestEvaluateRecordsDiagnostics(t *testing.T) {
	path := writeSource(t, "bad.asm", " .org 0\n jp nowhere\n")
	out, err := evaluate(path, "x", 100)
	require.NoError(t, err)
	require.Len(t, out.Diagnostics, 1)
	require.Nil(t, out.Run)
}

func TestCompare(t *testing.T) {
	a := &Outcome{SourceHash: "1", Diagnostics: []string{}}
	b := &Outcome{SourceHash: "2"}
	_, ok := compare(a, b)
	require.True(t, ok)

	b.Diagnostics = []string{"E201 1:1 boom"}
	diff, ok := compare(a, b)
	require.False(t, ok)
	require.Contains(t, diff, "source changed")
	require.Contains(t, diff, "boom")
}

func TestExpandGlobPatterns(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.asm", "b.asm", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
	files, err := expandGlobPatterns([]string{filepath.Join(dir, "*.asm"), filepath.Join(dir, "a*")})
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestCommittedGoldenFiles(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "tests", "*.asm"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			data, err := os.ReadFile(goldenPath(file, ""))
			require.NoError(t, err)
			var want Outcome
			require.NoError(t, json.Unmarshal(data, &want))

			hash, err := hashFile(file)
			require.NoError(t, err)
			require.Equal(t, want.SourceHash, hash)

			got, err := evaluate(file, hash, 100000)
			require.NoError(t, err)
			diff, ok := compare(&want, got)
			require.True(t, ok, diff)
		})
	}
}
