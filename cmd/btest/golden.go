package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/xplshn/basm/pkg/asm"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/emu"
	"github.com/xplshn/basm/pkg/output"
)

// Outcome is everything a test file is checked against: what the assembler
// produced and, for clean builds, what the program did when run.
type Outcome struct {
	SourceHash  string               `json:"source_hash"`
	Model       string               `json:"model,omitempty"`
	Segments    []output.SegmentInfo `json:"segments"`
	Symbols     []string             `json:"symbols,omitempty"`
	Diagnostics []string             `json:"diagnostics"`
	Run         *RunInfo             `json:"run,omitempty"`
}

type RunInfo struct {
	Console string            `json:"console"`
	Halted  bool              `json:"halted"`
	Error   string            `json:"error,omitempty"`
	Steps   uint64            `json:"steps"`
	Regs    map[string]uint16 `json:"registers"`
}

// hashFile computes the xxhash of a file's content
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// goldenPath is '.<name>.json' beside the source, or inside dir when set
func goldenPath(source, dir string) string {
	name := "." + filepath.Base(source) + ".json"
	if dir != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Join(filepath.Dir(source), name)
}

// headerOptions reads the ';! key=value' lines at the top of a test file.
// 'model' selects a memory model, 'option' carries -F/-W flags.
func headerOptions(path string, cfg *config.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), ";!")
		if !ok {
			break
		}
		key, value, _ := strings.Cut(strings.TrimSpace(line), "=")
		switch strings.TrimSpace(key) {
		case "model":
			err = cfg.SelectModel(strings.TrimSpace(value))
		case "option":
			err = cfg.ProcessDirectiveFlags(value)
		case "define":
			err = cfg.AddDefine(strings.TrimSpace(value))
		default:
			err = fmt.Errorf("unknown test option '%s'", key)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return sc.Err()
}

// evaluate assembles path and runs the result when it assembled cleanly
func evaluate(path, hash string, steps uint64) (*Outcome, error) {
	cfg := config.NewConfig()
	if err := headerOptions(path, cfg); err != nil {
		return nil, err
	}
	res := asm.AssembleFile(path, cfg, asm.Options{Logger: logger.WithPrefix(filepath.Base(path))})

	model := ""
	if res.Model != nil {
		model = res.Model.Name
	}
	m := output.NewManifest("", model, res)
	out := &Outcome{SourceHash: hash, Model: model, Segments: m.Segments, Diagnostics: []string{}}
	for _, d := range m.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("%s %d:%d %s", d.Code, d.Line, d.Column, d.Message))
	}
	for _, e := range res.Symbols {
		if e.Defined {
			out.Symbols = append(out.Symbols, fmt.Sprintf("%s=#%04X", e.Name, e.Value))
		}
	}
	if res.HasErrors() || len(res.Segments) == 0 {
		return out, nil
	}

	mach, err := emu.Boot(res, res.Model)
	if err != nil {
		out.Run = &RunInfo{Error: err.Error()}
		return out, nil
	}
	run := &RunInfo{}
	if err := mach.CPU.Run(steps); err != nil {
		run.Error = err.Error()
	}
	c := mach.CPU
	run.Console = string(mach.Memory.Console)
	run.Halted = c.Halted
	run.Steps = c.Steps
	run.Regs = map[string]uint16{"AF": c.AF(), "BC": c.BC(), "DE": c.DE(), "HL": c.HL(), "SP": c.SP, "PC": c.PC}
	out.Run = run
	return out, nil
}

// compare diffs an outcome against its golden copy; the source hash only
// decides the message.
func compare(golden, got *Outcome) (string, bool) {
	diff := cmp.Diff(golden, got, cmpopts.IgnoreFields(Outcome{}, "SourceHash"), cmpopts.EquateEmpty())
	if diff == "" {
		return "", true
	}
	if golden.SourceHash != got.SourceHash {
		return "source changed since the golden file was written\n" + diff, false
	}
	return diff, false
}
