// btest checks the assembler against golden files: every tests/*.asm is
// assembled, run on the emulator, and the outcome is compared with the
// '.<name>.json' recorded next to it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const (
	cRed    = "\x1b[91m"
	cYellow = "\x1b[93m"
	cGreen  = "\x1b[92m"
	cCyan   = "\x1b[96m"
	cNone   = "\x1b[0m"
)

type FileTestResult struct {
	File     string        `json:"file"`
	Status   string        `json:"status"` // PASS, FAIL, SKIP, ERROR
	Message  string        `json:"message,omitempty"`
	Diff     string        `json:"diff,omitempty"`
	Duration time.Duration `json:"duration"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
}

var (
	logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "btest"})

	jsonDir    string
	steps      uint64
	jobs       int
	verbose    bool
	skipFiles  []string
	reportFile string
)

func main() {
	root := &cobra.Command{
		Use:           "btest",
		Short:         "Golden-file tests for the basm assembler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLevel(log.DebugLevel)
			} else {
				logger.SetLevel(log.WarnLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&jsonDir, "dir", "", "Directory for golden JSON files (defaults to the source file dir)")
	root.PersistentFlags().Uint64Var(&steps, "steps", 100000, "Instruction limit for each emulator run")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run [pattern...]",
		Short: "Assemble and run every test file and compare with its golden file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"tests/*.asm"}
			}
			return runSuite(args)
		},
	}
	runCmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "Number of parallel test jobs")
	runCmd.Flags().StringSliceVar(&skipFiles, "skip", nil, "Files to skip")
	runCmd.Flags().StringVarP(&reportFile, "output", "o", ".test_results.json", "JSON test report")

	goldenCmd := &cobra.Command{
		Use:   "golden file.asm...",
		Short: "Write golden files from the current assembler",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range args {
				if err := writeGolden(f); err != nil {
					return err
				}
			}
			return nil
		},
	}

	root.AddCommand(runCmd, goldenCmd)
	if err := root.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func writeGolden(source string) error {
	hash, err := hashFile(source)
	if err != nil {
		return fmt.Errorf("could not hash %s: %w", source, err)
	}
	out, err := evaluate(source, hash, steps)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if jsonDir != "" {
		if err := os.MkdirAll(jsonDir, 0755); err != nil {
			return err
		}
	}
	path := goldenPath(source, jsonDir)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return err
	}
	fmt.Printf("%s[SUCCESS]%s Golden file created at %s\n", cGreen, cNone, path)
	return nil
}

func runSuite(patterns []string) error {
	files, err := expandGlobPatterns(patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("no test files found", "patterns", patterns)
		return nil
	}
	skip := make(map[string]bool)
	for _, f := range skipFiles {
		if abs, err := filepath.Abs(f); err == nil {
			skip[abs] = true
		}
	}

	tasks := make(chan [2]string, len(files))
	results := make(chan *FileTestResult, len(files))
	var wg sync.WaitGroup
	for range max(jobs, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				results <- testFile(t[0], t[1])
			}
		}()
	}

	// identical sources are only tested once
	seen := make(map[string]string)
	for _, file := range files {
		if skip[file] {
			results <- &FileTestResult{File: file, Status: "SKIP", Message: "Explicitly skipped"}
			continue
		}
		hash, err := hashFile(file)
		if err != nil {
			results <- &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Failed to read file for hashing: %v", err)}
			continue
		}
		if orig, dup := seen[hash]; dup {
			results <- &FileTestResult{File: file, Status: "SKIP", Message: fmt.Sprintf("Content is identical to %s", orig)}
			continue
		}
		seen[hash] = file
		tasks <- [2]string{file, hash}
	}
	close(tasks)
	wg.Wait()
	close(results)

	var all []*FileTestResult
	for r := range results {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].File < all[j].File })

	failed := printSummary(all)
	writeReport(all)
	if failed {
		return fmt.Errorf("test suite failed")
	}
	return nil
}

func testFile(file, hash string) *FileTestResult {
	start := time.Now()
	golden := goldenPath(file, jsonDir)
	data, err := os.ReadFile(golden)
	if os.IsNotExist(err) {
		return &FileTestResult{File: file, Status: "SKIP", Message: "No golden file; create one with 'btest golden'"}
	}
	if err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: err.Error()}
	}
	var want Outcome
	if err := json.Unmarshal(data, &want); err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Could not parse golden file %s: %v", golden, err)}
	}

	got, err := evaluate(file, hash, steps)
	if err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: err.Error()}
	}
	res := &FileTestResult{File: file, Duration: time.Since(start), Outcome: got}
	if diff, ok := compare(&want, got); !ok {
		res.Status, res.Message, res.Diff = "FAIL", "Outcome differs from golden file", diff
		return res
	}
	res.Status, res.Message = "PASS", "Matches golden file"
	logger.Debug("pass", "file", file, "took", res.Duration)
	return res
}

func printSummary(results []*FileTestResult) (failed bool) {
	counts := make(map[string]int)
	for _, r := range results {
		counts[r.Status]++
		if r.Status == "PASS" && !verbose {
			continue
		}
		fmt.Println("----------------------------------------------------------------------")
		fmt.Printf("Testing %s%s%s...\n", cCyan, r.File, cNone)
		switch r.Status {
		case "PASS":
			fmt.Printf("  [%sPASS%s] %s (%s)\n", cGreen, cNone, r.Message, r.Duration.Round(time.Microsecond))
		case "FAIL":
			fmt.Printf("  [%sFAIL%s] %s\n", cRed, cNone, r.Message)
			fmt.Print(formatDiff(r.Diff))
		case "SKIP":
			fmt.Printf("  [%sSKIP%s] %s\n", cYellow, cNone, r.Message)
		case "ERROR":
			fmt.Printf("  [%sERROR%s] %s\n", cRed, cNone, r.Message)
		}
	}
	fmt.Println("----------------------------------------------------------------------")
	fmt.Printf("%d passed, %d failed, %d skipped, %d errors\n", counts["PASS"], counts["FAIL"], counts["SKIP"], counts["ERROR"])
	return counts["FAIL"]+counts["ERROR"] > 0
}

func formatDiff(diff string) string {
	if diff == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("    --- Diff ---\n")
	for _, line := range strings.Split(diff, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "-"):
			b.WriteString(cRed)
		case strings.HasPrefix(trimmed, "+"):
			b.WriteString(cGreen)
		}
		b.WriteString("    " + line + cNone + "\n")
	}
	return b.String()
}

func writeReport(results []*FileTestResult) {
	byFile := make(map[string]*FileTestResult, len(results))
	for _, r := range results {
		byFile[r.File] = r
	}
	data, err := json.MarshalIndent(byFile, "", "  ")
	if err != nil {
		logger.Error("failed to marshal report", "err", err)
		return
	}
	path := reportFile
	if jsonDir != "" {
		path = filepath.Join(jsonDir, reportFile)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.Error("failed to write report", "path", path, "err", err)
		return
	}
	fmt.Printf("Full test report saved to %s\n", path)
}

func expandGlobPatterns(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		files, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %s: %w", pattern, err)
		}
		for _, file := range files {
			abs, err := filepath.Abs(file)
			if err != nil || seen[abs] {
				continue
			}
			if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
				out = append(out, abs)
				seen[abs] = true
			}
		}
	}
	return out, nil
}
