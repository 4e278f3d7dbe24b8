package config

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/xplshn/basm/pkg/cli"
)

type Feature int

const (
	FeatCaseSensitive Feature = iota
	FeatDollarHex
	FeatTempLabels
	FeatImplicitOrigin
	FeatCount
)

type Warning int

const (
	WarnUnusedLabel Warning = iota
	WarnTruncate
	WarnEmptyStruct
	WarnExtra
	WarnCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

// MemoryModel describes the bank window a target maps its pages into
type MemoryModel struct {
	Name       string
	WindowBase uint16
	WindowSize int
	BankCount  int
}

var MemoryModels = map[string]MemoryModel{
	"cpc6128":     {"cpc6128", 0x4000, 0x4000, 4},
	"spectrum128": {"spectrum128", 0xC000, 0x4000, 8},
	"msx-mapper":  {"msx-mapper", 0x8000, 0x4000, 16},
}

type Config struct {
	Features    map[Feature]Info
	Warnings    map[Warning]Info
	FeatureMap  map[string]Feature
	WarningMap  map[string]Warning
	Model       *MemoryModel
	Defines     map[string]uint16
	IncludeDirs []string
}

func NewConfig() *Config {
	cfg := &Config{
		Features:   make(map[Feature]Info),
		Warnings:   make(map[Warning]Info),
		FeatureMap: make(map[string]Feature),
		WarningMap: make(map[string]Warning),
		Defines:    make(map[string]uint16),
	}

	features := map[Feature]Info{
		FeatCaseSensitive:  {"case-sensitive", true, "Treat symbol names as case-sensitive."},
		FeatDollarHex:      {"dollar-hex", true, "Read '$FF' as a hexadecimal literal ('$' alone stays the current address)."},
		FeatTempLabels:     {"temp-labels", true, "Allow '@@name' temporary labels scoped to the enclosing block."},
		FeatImplicitOrigin: {"implicit-origin", true, "Start emitting at address 0 when no '.org' precedes the first byte."},
	}

	warnings := map[Warning]Info{
		WarnUnusedLabel: {"unused-label", false, "Warn about labels that are never referenced."},
		WarnTruncate:    {"truncate", true, "Warn when a negative value is stored into a byte."},
		WarnEmptyStruct: {"empty-struct", true, "Warn about structs without fields."},
		WarnExtra:       {"extra", true, "Enable extra miscellaneous warnings."},
	}

	cfg.Features, cfg.Warnings = features, warnings
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}
	return cfg
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

// Normalize folds a symbol name according to the case-sensitivity switch.
func (c *Config) Normalize(name string) string {
	if c.IsFeatureEnabled(FeatCaseSensitive) {
		return name
	}
	return strings.ToUpper(name)
}

// Normalizer returns Normalize with the case rule in force now, unaffected
// by later changes to the feature.
func (c *Config) Normalizer() func(string) string {
	if c.IsFeatureEnabled(FeatCaseSensitive) {
		return func(name string) string { return name }
	}
	return strings.ToUpper
}

// Clone returns a copy that can be changed without touching c
func (c *Config) Clone() *Config {
	n := &Config{
		Features:    maps.Clone(c.Features),
		Warnings:    maps.Clone(c.Warnings),
		FeatureMap:  maps.Clone(c.FeatureMap),
		WarningMap:  maps.Clone(c.WarningMap),
		Defines:     maps.Clone(c.Defines),
		IncludeDirs: slices.Clone(c.IncludeDirs),
	}
	if c.Model != nil {
		m := *c.Model
		n.Model = &m
	}
	return n
}

// SelectModel looks a memory model up by name.
func (c *Config) SelectModel(name string) error {
	m, ok := MemoryModels[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(MemoryModels))
		for n := range MemoryModels {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown memory model '%s'. Supported: %s", name, strings.Join(names, ", "))
	}
	c.Model = &m
	return nil
}

// AddDefine parses a NAME or NAME=value command-line definition.
func (c *Config) AddDefine(def string) error {
	name, value, hasValue := strings.Cut(def, "=")
	if name == "" {
		return fmt.Errorf("empty name in define '%s'", def)
	}
	if !hasValue {
		c.Defines[name] = 1
		return nil
	}
	v, err := ParseNumber(value)
	if err != nil {
		return fmt.Errorf("invalid value for define '%s': %w", name, err)
	}
	c.Defines[name] = v
	return nil
}

// ParseNumber accepts the literal forms used on the command line.
func ParseNumber(s string) (uint16, error) {
	base := 10
	switch {
	case strings.HasPrefix(s, "#"), strings.HasPrefix(s, "$"), strings.HasPrefix(s, "&"):
		s, base = s[1:], 16
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
	case strings.HasPrefix(s, "%"):
		s, base = s[1:], 2
	}
	v, err := strconv.ParseInt(s, base, 32)
	if err != nil {
		return 0, err
	}
	if v < -0x8000 || v > 0xFFFF {
		return 0, fmt.Errorf("value %d does not fit in 16 bits", v)
	}
	return uint16(v), nil
}

func (c *Config) applyFlag(flag string) error {
	trimmed := strings.TrimPrefix(flag, "-")
	isNo := strings.HasPrefix(trimmed, "Wno-") || strings.HasPrefix(trimmed, "Fno-")
	enable := !isNo

	var name string
	var isWarning bool

	switch {
	case strings.HasPrefix(trimmed, "W"):
		name = strings.TrimPrefix(trimmed, "W")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
		isWarning = true
	case strings.HasPrefix(trimmed, "F"):
		name = strings.TrimPrefix(trimmed, "F")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
	default:
		return fmt.Errorf("unrecognized flag '%s'", flag)
	}

	if name == "all" && isWarning {
		for i := Warning(0); i < WarnCount; i++ {
			c.SetWarning(i, enable)
		}
		return nil
	}

	if isWarning {
		if w, ok := c.WarningMap[name]; ok {
			c.SetWarning(w, enable)
			return nil
		}
		return fmt.Errorf("unknown warning '%s'", name)
	}
	if f, ok := c.FeatureMap[name]; ok {
		c.SetFeature(f, enable)
		return nil
	}
	return fmt.Errorf("unknown feature '%s'", name)
}

// ProcessDirectiveFlags applies the flags carried by an '.option' directive.
func (c *Config) ProcessDirectiveFlags(flagStr string) error {
	for _, flag := range strings.Fields(flagStr) {
		if err := c.applyFlag(flag); err != nil {
			return err
		}
	}
	return nil
}

// SetupFlagGroups registers the -F and -W groups on a flag set. The returned
// entries are applied with ApplyFlagGroups once parsing is done.
func (c *Config) SetupFlagGroups(fs *cli.FlagSet) (warningFlags, featureFlags []cli.FlagGroupEntry) {
	for i := Warning(0); i < WarnCount; i++ {
		info := c.Warnings[i]
		enabled, disabled := info.Enabled, false
		warningFlags = append(warningFlags, cli.FlagGroupEntry{
			Name: info.Name, Prefix: "W", Usage: info.Description, Enabled: &enabled, Disabled: &disabled,
		})
	}
	for i := Feature(0); i < FeatCount; i++ {
		info := c.Features[i]
		enabled, disabled := info.Enabled, false
		featureFlags = append(featureFlags, cli.FlagGroupEntry{
			Name: info.Name, Prefix: "F", Usage: info.Description, Enabled: &enabled, Disabled: &disabled,
		})
	}
	fs.AddFlagGroup("Warning Flags", "Enable or disable specific warnings", "warning", "Available Warnings:", warningFlags)
	fs.AddFlagGroup("Feature Flags", "Enable or disable assembler features", "feature", "Available Features:", featureFlags)
	return warningFlags, featureFlags
}

// ApplyFlagGroups copies the parsed -W/-F group values into the config.
func (c *Config) ApplyFlagGroups(warningFlags, featureFlags []cli.FlagGroupEntry) {
	for i, entry := range warningFlags {
		if entry.Enabled != nil && *entry.Enabled {
			c.SetWarning(Warning(i), true)
		}
		if entry.Disabled != nil && *entry.Disabled {
			c.SetWarning(Warning(i), false)
		}
	}
	for i, entry := range featureFlags {
		if entry.Enabled != nil && *entry.Enabled {
			c.SetFeature(Feature(i), true)
		}
		if entry.Disabled != nil && *entry.Disabled {
			c.SetFeature(Feature(i), false)
		}
	}
}
