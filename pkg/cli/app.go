package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"
)

type App struct {
	Name        string
	Synopsis    string
	Description string
	Authors     []string
	Repository  string
	Since       int
	FlagSet     *FlagSet
	Action      func(args []string) error

	Stdout io.Writer
	Stderr io.Writer
}

func NewApp(name string) *App {
	return &App{Name: name, FlagSet: NewFlagSet(name), Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run parses arguments and hands the positional ones to Action. A parse
// error prints the short usage page.
func (a *App) Run(arguments []string) error {
	help := false
	a.FlagSet.Bool(&help, "help", "h", false, "Display this information")

	if err := a.FlagSet.Parse(arguments); err != nil {
		fmt.Fprintln(a.Stderr, err)
		a.writeUsage(a.Stderr)
		return err
	}
	if help {
		a.writeHelp(a.Stdout)
		return nil
	}
	if a.Action != nil {
		return a.Action(a.FlagSet.Args())
	}
	return nil
}

func indent(level int) string { return strings.Repeat(" ", 4*level) }

// layout holds the column widths shared by every entry of a page
type layout struct {
	term, left, usage int
}

func (a *App) writeUsage(w io.Writer) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage: %s %s\n", a.Name, a.Synopsis)

	opts := a.optionFlags()
	if len(opts) > 0 {
		lay := layout{term: terminalWidth()}
		for _, f := range opts {
			lay.left = max(lay.left, len(f.display()))
			lay.usage = max(lay.usage, len(f.Usage))
		}
		fmt.Fprintf(&sb, "\n%sOptions\n", indent(1))
		for _, f := range opts {
			writeFlag(&sb, f, lay)
		}
	}
	fmt.Fprintf(&sb, "\nRun '%s --help' for all available options and flags.\n", a.Name)
	fmt.Fprint(w, sb.String())
}

func (a *App) writeHelp(w io.Writer) {
	var sb strings.Builder
	lay := a.layout()

	since := ""
	if a.Since != 0 && a.Since != time.Now().Year() {
		since = fmt.Sprintf("%d-", a.Since)
	}
	fmt.Fprintf(&sb, "\n%sCopyright (c) %s%d: %s and contributors\n", indent(1), since, time.Now().Year(), strings.Join(a.Authors, ", "))
	if a.Repository != "" {
		fmt.Fprintf(&sb, "%sFor more details refer to %s\n", indent(1), a.Repository)
	}
	if a.Synopsis != "" {
		fmt.Fprintf(&sb, "\n%sSynopsis\n%s%s %s\n", indent(1), indent(2), a.Name, a.Synopsis)
	}
	if a.Description != "" {
		fmt.Fprintf(&sb, "\n%sDescription\n", indent(1))
		for _, line := range wrapText(a.Description, lay.term-len(indent(2))) {
			fmt.Fprintf(&sb, "%s%s\n", indent(2), line)
		}
	}
	if opts := a.optionFlags(); len(opts) > 0 {
		fmt.Fprintf(&sb, "\n%sOptions\n", indent(1))
		for _, f := range opts {
			writeFlag(&sb, f, lay)
		}
	}

	groups := append([]FlagGroup(nil), a.FlagSet.flagGroups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	for _, g := range groups {
		writeGroup(&sb, g, lay)
	}
	fmt.Fprint(w, sb.String())
}

// optionFlags lists the plain flags by name, leaving out prefixes and
// group members.
func (a *App) optionFlags() []*Flag {
	var out []*Flag
	for _, f := range a.FlagSet.flags {
		if _, special := a.FlagSet.specialPrefix[f.Name]; special || a.isGroupFlag(f.Name) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *App) isGroupFlag(name string) bool {
	for _, g := range a.FlagSet.flagGroups {
		for _, e := range g.Flags {
			if name == e.Prefix+e.Name || name == e.Prefix+"no-"+e.Name {
				return true
			}
		}
	}
	return false
}

func (a *App) layout() layout {
	lay := layout{term: terminalWidth()}
	for _, f := range a.optionFlags() {
		lay.left = max(lay.left, len(f.display()))
		lay.usage = max(lay.usage, len(f.Usage))
	}
	for _, g := range a.FlagSet.flagGroups {
		if len(g.Flags) == 0 {
			continue
		}
		lay.left = max(lay.left, len(fmt.Sprintf("-%sno-<%s>", g.Flags[0].Prefix, g.kind())))
		for _, e := range g.Flags {
			lay.left = max(lay.left, len(e.Name))
			lay.usage = max(lay.usage, len(e.Usage))
		}
	}
	return lay
}

// display renders a flag the way it is typed: '-o <file>, --output <file>'
func (f *Flag) display() string {
	var sb strings.Builder
	arg := ""
	if !f.isBool() && f.ExpectedType != "" {
		arg = " <" + f.ExpectedType + ">"
	}
	if f.Shorthand != "" {
		fmt.Fprintf(&sb, "-%s%s, --%s%s", f.Shorthand, arg, f.Name, arg)
		return sb.String()
	}
	sb.WriteString("--" + f.Name)
	if arg != "" {
		sb.WriteString("=" + f.ExpectedType)
	}
	return sb.String()
}

func (g FlagGroup) kind() string {
	if g.GroupType == "" {
		return "flag"
	}
	return g.GroupType
}

func writeEntry(sb *strings.Builder, lay layout, left, usage, right string) {
	width := lay.term - len(indent(2)) - lay.left - 3 - len(right)
	width = max(width, 10)
	lines := wrapText(usage, width)
	first := ""
	if len(lines) > 0 {
		first = lines[0]
	}
	if right != "" {
		fmt.Fprintf(sb, "%s%-*s %-*s  %s\n", indent(2), lay.left, left, min(lay.usage, width), first, right)
	} else {
		fmt.Fprintf(sb, "%s%-*s %s\n", indent(2), lay.left, left, first)
	}
	pad := strings.Repeat(" ", lay.left+1)
	for _, l := range lines[min(1, len(lines)):] {
		fmt.Fprintf(sb, "%s%s%s\n", indent(2), pad, l)
	}
}

func writeFlag(sb *strings.Builder, f *Flag, lay layout) {
	right := ""
	if !f.isBool() && f.DefValue != "" && f.DefValue != "0" {
		right = "|" + f.DefValue + "|"
	}
	writeEntry(sb, lay, f.display(), f.Usage, right)
}

func writeGroup(sb *strings.Builder, g FlagGroup, lay layout) {
	if len(g.Flags) == 0 {
		return
	}
	prefix, kind := g.Flags[0].Prefix, g.kind()
	fmt.Fprintf(sb, "\n%s%s\n", indent(1), g.Name)
	fmt.Fprintf(sb, "%s%-*s Enable a specific %s\n", indent(2), lay.left, fmt.Sprintf("-%s<%s>", prefix, kind), kind)
	fmt.Fprintf(sb, "%s%-*s Disable a specific %s\n", indent(2), lay.left, fmt.Sprintf("-%sno-<%s>", prefix, kind), kind)
	if g.AvailableFlagsHeader != "" {
		fmt.Fprintf(sb, "%s%s\n", indent(1), g.AvailableFlagsHeader)
	}

	entries := append([]FlagGroupEntry(nil), g.Flags...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		state := "|-|"
		if e.Enabled != nil && *e.Enabled && (e.Disabled == nil || !*e.Disabled) {
			state = "|x|"
		}
		writeEntry(sb, lay, e.Name, e.Usage, state)
	}
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return max(width, 20)
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+len(word)+1 > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
