package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/k0kubun/pp/v3"
	"github.com/xplshn/basm/pkg/asm"
	"github.com/xplshn/basm/pkg/cli"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/emu"
	"github.com/xplshn/basm/pkg/output"
	"github.com/xplshn/basm/pkg/parser"
	"github.com/xplshn/basm/pkg/z80"
)

var errFailed = errors.New("assembly failed")

type options struct {
	outFile     string
	symFile     string
	manifest    string
	model       string
	includeDirs []string
	defines     []string
	wall        bool
	dumpAST     bool
	dumpSymbols bool
	run         bool
	interactive bool
	steps       uint64
	verbose     bool
	quiet       bool
}

func main() {
	app := cli.NewApp("basm")
	app.Synopsis = "[options] <input.asm>"
	app.Description = "A two-pass Z80 assembler for banked memory machines, with modules, procs, structs and an emulator to try the result."
	app.Authors = []string{"xplshn"}
	app.Repository = "<https://github.com/xplshn/basm>"
	app.Since = 2025

	var o options
	fs := app.FlagSet
	fs.String(&o.outFile, "output", "o", "", "Place the binary into <file>; banks go to <file>.bankN.", "file")
	fs.String(&o.symFile, "sym", "", "", "Write the symbol table to <file>.", "file")
	fs.String(&o.manifest, "manifest", "", "", "Write a JSON manifest of segments and diagnostics to <file>.", "file")
	fs.String(&o.model, "model", "m", "", "Select the memory model (cpc6128, spectrum128, msx-mapper).", "name")
	fs.List(&o.includeDirs, "include", "I", []string{}, "Add a directory to the include path.", "path")
	fs.Special(&o.defines, "D", "Predefine a constant (e.g., -DDEBUG or -DLEVEL=2)", "name[=value]")
	fs.Bool(&o.wall, "Wall", "", false, "Enable all warnings.")
	fs.Bool(&o.dumpAST, "dump-ast", "", false, "Print the parsed statements and exit.")
	fs.Bool(&o.dumpSymbols, "dump-symbols", "", false, "Print the symbol table after assembly.")
	fs.Bool(&o.run, "run", "r", false, "Run the program on the emulator after assembly.")
	fs.Bool(&o.interactive, "interactive", "i", false, "Open the emulator monitor instead of running.")
	fs.Uint(&o.steps, "steps", "", 1000000, "Instruction limit for --run (0 for none).", "n")
	fs.Bool(&o.verbose, "verbose", "v", false, "Log passes, scopes and segments.")
	fs.Bool(&o.quiet, "quiet", "q", false, "Only print errors.")

	cfg := config.NewConfig()
	warningFlags, featureFlags := cfg.SetupFlagGroups(fs)

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "basm"})

	app.Action = func(inputs []string) error {
		switch {
		case o.verbose:
			logger.SetLevel(log.DebugLevel)
		case o.quiet:
			logger.SetLevel(log.ErrorLevel)
		}
		if len(inputs) != 1 {
			logger.Error("expected exactly one input file", "got", len(inputs))
			return errFailed
		}
		if err := configure(cfg, &o, warningFlags, featureFlags); err != nil {
			logger.Error(err)
			return err
		}
		return assemble(inputs[0], cfg, &o, logger)
	}

	if err := app.Run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// configure applies the command line to cfg. -Wall goes first so that
// individual -Wno-x flags still win.
func configure(cfg *config.Config, o *options, warningFlags, featureFlags []cli.FlagGroupEntry) error {
	if o.wall {
		if err := cfg.ProcessDirectiveFlags("-Wall"); err != nil {
			return err
		}
	}
	cfg.ApplyFlagGroups(warningFlags, featureFlags)
	if o.model != "" {
		if err := cfg.SelectModel(o.model); err != nil {
			return err
		}
	}
	for _, d := range o.defines {
		if err := cfg.AddDefine(d); err != nil {
			return err
		}
	}
	cfg.IncludeDirs = append(cfg.IncludeDirs, o.includeDirs...)
	return nil
}

func assemble(input string, cfg *config.Config, o *options, logger *log.Logger) error {
	if o.dumpAST {
		diags := &diag.List{}
		l := parser.NewLoader(cfg, diags)
		l.IsMnemonic = z80.IsMnemonic
		prog := l.LoadFile(input)
		pp.Println(prog.Stmts)
		diag.NewRenderer(os.Stderr, l.Files).RenderAll(diags.Items())
		if diags.HasErrors() {
			return errFailed
		}
		return nil
	}

	res := asm.AssembleFile(input, cfg, asm.Options{Logger: logger})
	renderer := diag.NewRenderer(os.Stderr, res.Files)
	for _, d := range res.Diagnostics {
		if d.Severity == diag.Warning && o.quiet {
			continue
		}
		renderer.Render(d)
	}
	if o.dumpSymbols {
		pp.Println(res.Symbols)
	}
	if res.HasErrors() {
		logger.Error("assembly failed", "errors", countErrors(res.Diagnostics))
		return errFailed
	}

	if err := writeOutputs(input, o, res, logger); err != nil {
		logger.Error(err)
		return err
	}
	if o.run || o.interactive {
		return execute(o, res, logger)
	}
	return nil
}

func countErrors(list []diag.Diagnostic) int {
	n := 0
	for _, d := range list {
		if d.Severity == diag.Error {
			n++
		}
	}
	return n
}

func writeOutputs(input string, o *options, res *asm.Result, logger *log.Logger) error {
	bin := o.outFile
	if bin == "" && !o.run && !o.interactive {
		bin = strings.TrimSuffix(input, filepath.Ext(input)) + ".bin"
	}
	model, window := "", uint16(0)
	if res.Model != nil {
		model, window = res.Model.Name, res.Model.WindowBase
	}
	written, err := output.Write(res, model, window, output.Files{
		Binary:   bin,
		Symbols:  o.symFile,
		Manifest: o.manifest,
		Source:   input,
	})
	for _, f := range written {
		logger.Info("wrote", "file", f)
	}
	return err
}

func execute(o *options, res *asm.Result, logger *log.Logger) error {
	m, err := emu.Boot(res, res.Model)
	if err != nil {
		logger.Error("cannot start emulator", "err", err)
		return err
	}
	if o.interactive {
		mon := emu.NewMonitor(m, res.Symbols, os.Stdout)
		mon.Limit = o.steps
		return mon.Repl()
	}

	err = m.CPU.Run(o.steps)
	os.Stdout.Write(m.Memory.Console)
	c := m.CPU
	logger.Info("stopped", "pc", fmt.Sprintf("#%04X", c.PC), "steps", c.Steps, "halted", c.Halted)
	if err != nil {
		logger.Error(err)
		return err
	}
	return nil
}
