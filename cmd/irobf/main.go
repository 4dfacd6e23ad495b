// SPDX-License-Identifier: Apache-2.0
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/alecthomas/participle/v2"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"irobf/internal/analysis"
	"irobf/internal/budget"
	"irobf/internal/config"
	"irobf/internal/ir"
	"irobf/internal/irtext"
	"irobf/internal/orchestrator"
	"irobf/internal/report"
)

var (
	preset     string
	configPath string
	dryRun     bool
	outputPath string
)

func main() {
	root := &cobra.Command{
		Use:   "irobf <module.irt>",
		Short: "Apply compiler-level obfuscation passes to a textual IR module",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&preset, "preset", "balanced", "starting config preset: minimal, balanced, aggressive")
	root.Flags().StringVar(&configPath, "config", "", "YAML file overlaying the chosen preset")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "print the per-function recipe the engine would apply, without mutating the module")
	root.Flags().StringVar(&outputPath, "o", "", "write the transformed module here (defaults to stdout)")

	if err := root.Execute(); err != nil {
		color.Red("irobf: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	f, err := irtext.ParseString(args[0], string(source))
	if err != nil {
		reportParseError(string(source), err)
		return fmt.Errorf("parse %s failed", args[0])
	}

	m, err := irtext.Build(f)
	if err != nil {
		return fmt.Errorf("build module from %s: %w", args[0], err)
	}

	if dryRun {
		printDryRun(m, cfg)
		return nil
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	_, run, counters := orchestrator.Run(m, cfg, log)

	text := irtext.Print(m)
	if outputPath == "" {
		fmt.Print(text)
	} else if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}

	report.PreviewToTerminal(run, counters)
	fmt.Printf("  report written to %s\n", cfg.ReportPath)
	return nil
}

func loadConfig() (*config.Config, error) {
	var base *config.Config
	switch preset {
	case "minimal":
		base = config.Minimal()
	case "balanced", "":
		base = config.Balanced()
	case "aggressive":
		base = config.Aggressive()
	default:
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
	if configPath == "" {
		return base, nil
	}
	return config.LoadFile(configPath, base)
}

// printDryRun runs per-function analysis and budget planning without
// invoking a single pass, and prints the resulting recipe (SPEC_FULL.md §E).
// Unlike the orchestrator, it passes no callee names and a caller count of
// zero to analysis.Analyze, so the callee-based sensitivity score and the
// many-callers rule do not affect the criticality it prints.
func printDryRun(m *ir.Module, cfg *config.Config) {
	var names []string
	for _, fn := range m.Functions {
		if !fn.IsDeclaration() {
			names = append(names, fn.Name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		fn := m.FindFunction(name)
		rec := analysis.Analyze(fn, nil, 0)
		plan := budget.PlanFor(rec, cfg)
		fmt.Printf("%s: criticality=%s cycles=%d estimatedGrowth=%d%%\n",
			name, rec.Criticality, plan.Cycles, plan.EstimatedGrowthPercent)
	}
}

func reportParseError(src string, err error) {
	pe, ok := err.(participle.Error)
	if !ok {
		color.Red("unexpected error: %s", err)
		return
	}
	pos := pe.Position()
	color.Red("syntax error in %s at line %d, column %d: %s", pos.Filename, pos.Line, pos.Column, pe.Message())
}
