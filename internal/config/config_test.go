// SPDX-License-Identifier: Apache-2.0
package config

import (
	"os"
	"testing"
)

func TestPresets_Validate(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"minimal":    Minimal(),
		"balanced":   Balanced(),
		"aggressive": Aggressive(),
	} {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("preset %s failed validation: %v", name, err)
		}
	}
}

func TestValidate_RejectsOutOfRangeCycles(t *testing.T) {
	cfg := Balanced()
	cfg.Cycles = 11
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for cycles=11")
	}
}

func TestValidate_RejectsUnknownCipher(t *testing.T) {
	cfg := Balanced()
	cfg.StringCipherKind = "rot13"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown cipher")
	}
}

func TestLoadFile_OverlaysOntoPreset(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/obf.yaml"
	yamlBody := "cycles: 5\nreport_path: custom_report.txt\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	merged, err := LoadFile(path, Balanced())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if merged.Cycles != 5 {
		t.Fatalf("expected overlay cycles=5, got %d", merged.Cycles)
	}
	if merged.ReportPath != "custom_report.txt" {
		t.Fatalf("expected overlay report path, got %s", merged.ReportPath)
	}
	if merged.MBAComplexity != Balanced().MBAComplexity {
		t.Fatal("expected fields absent from the overlay file to keep the base preset's value")
	}
}
