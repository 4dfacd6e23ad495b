// SPDX-License-Identifier: Apache-2.0

// Package config defines the engine's immutable per-run Configuration
// (spec.md §3, §6) and the Minimal/Balanced/Aggressive presets exposed as
// named constructors.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StringCipher selects the string-encryption scheme C11 applies.
type StringCipher string

const (
	RotatingXOR     StringCipher = "rotating_xor"
	RC4             StringCipher = "rc4"
	RC4withPBKDF2   StringCipher = "rc4_pbkdf2"
)

// SizeMode governs how aggressively the size-budget planner (C4) trims
// techniques to stay within maxSizeGrowthPercent.
type SizeMode string

const (
	SizeNone       SizeMode = "none"
	SizeMinimal    SizeMode = "minimal"
	SizeBalanced   SizeMode = "balanced"
	SizeAggressive SizeMode = "aggressive"
)

// Techniques is the enable/disable set for the 16 techniques spec.md §3
// enumerates. Field names are descriptive technique names; the yaml tags
// are their snake_case forms.
type Techniques struct {
	ControlFlowObfuscation bool `yaml:"control_flow_obfuscation"`
	BogusCode              bool `yaml:"bogus_code"`
	FakeLoops              bool `yaml:"fake_loops"`
	InstructionSubstitution bool `yaml:"instruction_substitution"`
	MBA                    bool `yaml:"mba"`
	ControlFlowFlattening  bool `yaml:"control_flow_flattening"`
	ConstantObfuscation    bool `yaml:"constant_obfuscation"`
	PseudoVM               bool `yaml:"pseudo_vm"`
	StringEncryption       bool `yaml:"string_encryption"`
	IndirectCalls          bool `yaml:"indirect_calls"`
	ImportHiding           bool `yaml:"import_hiding"`
	AntiDebug              bool `yaml:"anti_debug"`
	AntiTamper             bool `yaml:"anti_tamper"`
	Polymorphic            bool `yaml:"polymorphic"`
	Metamorphic            bool `yaml:"metamorphic"`
	AntiAnalysis           bool `yaml:"anti_analysis"`
}

// Config is the engine's immutable per-run configuration (spec.md §3).
type Config struct {
	Techniques Techniques `yaml:"techniques"`

	Cycles               int          `yaml:"cycles"`
	BogusPercent         int          `yaml:"bogus_percent"`
	FakeLoopCount        int          `yaml:"fake_loop_count"`
	MBAComplexity        int          `yaml:"mba_complexity"`
	PolyVariants         int          `yaml:"poly_variants"`
	FlatteningProbability int         `yaml:"flattening_probability"`
	PBKDF2Iterations     int          `yaml:"pbkdf2_iterations"`

	StringCipherKind StringCipher `yaml:"string_cipher"`

	SizeMode            SizeMode `yaml:"size_mode"`
	MaxSizeGrowthPercent int     `yaml:"max_size_growth_percent"`

	DecryptAtStartup bool `yaml:"decrypt_at_startup"`

	ReportPath string `yaml:"report_path"`
}

// Validate rejects a Config whose fields fall outside the domains spec.md §3
// declares. This is the "Precondition failure" check spec.md §7 requires at
// run entry — the distilled spec states the domain rules but leaves the
// check itself to the implementation (SPEC_FULL.md §E).
func (c *Config) Validate() error {
	if c.Cycles < 1 || c.Cycles > 10 {
		return fmt.Errorf("config: cycles must be in [1,10], got %d", c.Cycles)
	}
	if c.BogusPercent < 0 || c.BogusPercent > 100 {
		return fmt.Errorf("config: bogusPercent must be in [0,100], got %d", c.BogusPercent)
	}
	if c.FakeLoopCount < 0 || c.FakeLoopCount > 10 {
		return fmt.Errorf("config: fakeLoopCount must be in [0,10], got %d", c.FakeLoopCount)
	}
	if c.MBAComplexity < 1 || c.MBAComplexity > 10 {
		return fmt.Errorf("config: mbaComplexity must be in [1,10], got %d", c.MBAComplexity)
	}
	if c.PolyVariants < 1 || c.PolyVariants > 10 {
		return fmt.Errorf("config: polyVariants must be in [1,10], got %d", c.PolyVariants)
	}
	if c.FlatteningProbability < 0 || c.FlatteningProbability > 100 {
		return fmt.Errorf("config: flatteningProbability must be in [0,100], got %d", c.FlatteningProbability)
	}
	if c.PBKDF2Iterations < 500 || c.PBKDF2Iterations > 5000 {
		return fmt.Errorf("config: pbkdf2Iterations must be in [500,5000], got %d", c.PBKDF2Iterations)
	}
	switch c.StringCipherKind {
	case RotatingXOR, RC4, RC4withPBKDF2:
	default:
		return fmt.Errorf("config: unknown string cipher %q", c.StringCipherKind)
	}
	switch c.SizeMode {
	case SizeNone, SizeMinimal, SizeBalanced, SizeAggressive:
	default:
		return fmt.Errorf("config: unknown size mode %q", c.SizeMode)
	}
	if c.ReportPath == "" {
		return fmt.Errorf("config: reportPath must not be empty")
	}
	return nil
}

func allTechniques(v bool) Techniques {
	return Techniques{
		ControlFlowObfuscation: v, BogusCode: v, FakeLoops: v,
		InstructionSubstitution: v, MBA: v, ControlFlowFlattening: v,
		ConstantObfuscation: v, PseudoVM: v, StringEncryption: v,
		IndirectCalls: v, ImportHiding: v, AntiDebug: v, AntiTamper: v,
		Polymorphic: v, Metamorphic: v, AntiAnalysis: v,
	}
}

// Minimal is the lightest preset: a single cycle of cheap control-flow and
// string-encryption passes, everything expensive switched off.
func Minimal() *Config {
	t := allTechniques(false)
	t.ControlFlowObfuscation = true
	t.StringEncryption = true
	return &Config{
		Techniques:            t,
		Cycles:                1,
		BogusPercent:          10,
		FakeLoopCount:         0,
		MBAComplexity:         1,
		PolyVariants:          1,
		FlatteningProbability: 0,
		PBKDF2Iterations:      1000,
		StringCipherKind:      RotatingXOR,
		SizeMode:              SizeMinimal,
		MaxSizeGrowthPercent:  30,
		DecryptAtStartup:      true,
		ReportPath:            "report.txt",
	}
}

// Balanced is the default, moderate preset.
func Balanced() *Config {
	t := allTechniques(true)
	t.PseudoVM = false
	return &Config{
		Techniques:            t,
		Cycles:                2,
		BogusPercent:          30,
		FakeLoopCount:         2,
		MBAComplexity:         4,
		PolyVariants:          2,
		FlatteningProbability: 40,
		PBKDF2Iterations:      2000,
		StringCipherKind:      RC4withPBKDF2,
		SizeMode:              SizeBalanced,
		MaxSizeGrowthPercent:  120,
		DecryptAtStartup:      false,
		ReportPath:            "report.txt",
	}
}

// Aggressive enables everything at high intensity.
func Aggressive() *Config {
	return &Config{
		Techniques:            allTechniques(true),
		Cycles:                4,
		BogusPercent:          70,
		FakeLoopCount:         6,
		MBAComplexity:         8,
		PolyVariants:          4,
		FlatteningProbability: 85,
		PBKDF2Iterations:      4000,
		StringCipherKind:      RC4withPBKDF2,
		SizeMode:              SizeAggressive,
		MaxSizeGrowthPercent:  400,
		DecryptAtStartup:      false,
		ReportPath:            "report.txt",
	}
}

// LoadFile reads a YAML config file and overlays it onto base (a preset),
// returning a new Config. Only fields present in the file override base.
func LoadFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	merged := *base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &merged, nil
}
