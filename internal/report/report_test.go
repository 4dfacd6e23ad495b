// SPDX-License-Identifier: Apache-2.0

package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"irobf/internal/config"
)

func TestGenerate_IncludesModuleCyclesAndCounters(t *testing.T) {
	cfg := config.Balanced()
	run := Run{ModuleName: "billing.bc", Cycles: 2, FunctionsVisited: 7}
	c := Counters{StringsEncrypted: 3, FlattenedFunctions: 1, PolymorphicVariants: 2}

	text := Generate(run, cfg, c)

	for _, want := range []string{"billing.bc", "Cycles:            2", "Strings encrypted:          3", "Flattened functions:        1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected report to contain %q, got:\n%s", want, text)
		}
	}
}

func TestGenerate_NoTechniquesEnabled(t *testing.T) {
	cfg := config.Minimal()
	cfg.Techniques = config.Techniques{}
	run := Run{ModuleName: "m", Cycles: 1}

	text := Generate(run, cfg, Counters{})
	if !strings.Contains(text, "none enabled") {
		t.Fatalf("expected a 'none enabled' techniques line, got:\n%s", text)
	}
	if !strings.Contains(text, "No techniques were enabled") {
		t.Fatalf("expected the effectiveness paragraph to note nothing ran, got:\n%s", text)
	}
}

func TestGenerate_FlagsFatalVerificationFailure(t *testing.T) {
	cfg := config.Minimal()
	run := Run{ModuleName: "m", Cycles: 1, FinalVerifyFailed: true}

	text := Generate(run, cfg, Counters{})
	if !strings.Contains(text, "FATAL") {
		t.Fatal("expected a FATAL marker when final verification failed")
	}
}

func TestWriteFile_CreatesEnclosingDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Minimal()
	cfg.ReportPath = filepath.Join(dir, "nested", "report.txt")

	if err := WriteFile(cfg, Run{ModuleName: "m", Cycles: 1}, Counters{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(cfg.ReportPath)
	if err != nil {
		t.Fatalf("expected report file to exist: %v", err)
	}
	if !strings.Contains(string(data), "Obfuscation Report") {
		t.Fatal("expected the written file to contain the report header")
	}
}
