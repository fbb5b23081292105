package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/compiler"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/pkg/version"
)

var compileEmitPlan bool

var compileCmd = &cobra.Command{
	Use:   "compile FILE...",
	Short: "Compile strategy specs locally",
	Long: `Compile one or more strategy spec files without a daemon.

Each file is parsed and compiled; diagnostics are printed with file, line and
column. Files compile in parallel and do not affect each other. The command
exits with status 2 when any file fails.

EXAMPLES:

  # Check a spec
  $ stratagem compile strategies/momentum.yaml

  # Print the execution plan
  $ stratagem compile --emit-plan strategies/momentum.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().BoolVar(&compileEmitPlan, "emit-plan", false, "Print the execution plan of each compiled spec")
}

// compileReport is the JSON form of one file's compilation.
type compileReport struct {
	File        string                  `json:"file"`
	StrategyID  string                  `json:"strategy_id,omitempty"`
	SpecVersion int64                   `json:"spec_version,omitempty"`
	OK          bool                    `json:"ok"`
	Fingerprint string                  `json:"fingerprint,omitempty"`
	ParseError  string                  `json:"parse_error,omitempty"`
	Diagnostics strategy.Diagnostics    `json:"diagnostics"`
	Plan        *strategy.ExecutionPlan `json:"plan,omitempty"`
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	comp := compiler.New(
		compiler.WithParallelism(cfg.Compiler.Parallelism),
		compiler.WithTightBoundRatio(cfg.Compiler.TightBoundRatio),
		compiler.WithMaxLeverageWarning(cfg.Compiler.MaxLeverageWarning),
		compiler.WithCompilerVersion(version.CompilerTag()),
	)

	reports := make([]*compileReport, len(args))
	var specs []*strategy.StrategySpec
	var index []int
	for i, path := range args {
		reports[i] = &compileReport{File: path, Diagnostics: strategy.Diagnostics{}}
		spec, err := strategy.ParseSpecFile(path)
		if err != nil {
			reports[i].ParseError = err.Error()
			continue
		}
		specs = append(specs, spec)
		index = append(index, i)
	}

	results, err := comp.CompileAll(cmd.Context(), specs)
	if err != nil {
		return err
	}
	for j, res := range results {
		r := reports[index[j]]
		r.StrategyID = res.StrategyID
		r.SpecVersion = res.SpecVersion
		r.Diagnostics = res.Diagnostics
		r.OK = res.OK()
		if res.OK() {
			r.Fingerprint = res.Plan.Fingerprint
			if compileEmitPlan {
				r.Plan = res.Plan
			}
		}
	}

	failed := 0
	for _, r := range reports {
		if !r.OK {
			failed++
		}
	}

	if globalFlags.GetOutputFormat() == internal.FormatJSON {
		if err := formatter(cmd).PrintObject(reports); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, r := range reports {
			printCompileReport(out, r)
		}
	}

	if failed > 0 {
		return internal.NewCLIError(internal.ExitCompileError, fmt.Sprintf("%d of %d specs failed to compile", failed, len(reports)))
	}
	return nil
}

func printCompileReport(w io.Writer, r *compileReport) {
	if r.ParseError != "" {
		fmt.Fprintf(w, "✗ %s\n", r.ParseError)
		return
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "%s\n", formatDiagnostic(r.File, d))
	}
	if !r.OK {
		fmt.Fprintf(w, "✗ %s: %s v%d failed with %d errors\n", r.File, r.StrategyID, r.SpecVersion, len(r.Diagnostics.Errors()))
		return
	}
	fmt.Fprintf(w, "✓ %s: %s v%d -> %s\n", r.File, r.StrategyID, r.SpecVersion, r.Fingerprint)
	if r.Plan != nil {
		internal.NewTextFormatter(w).PrintObject(r.Plan)
	}
}

// formatDiagnostic renders a diagnostic as file:line:column: severity: message.
func formatDiagnostic(file string, d strategy.Diagnostic) string {
	if d.Location.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %s [%s]", file, d.Location.Line, d.Location.Column, d.Severity, d.Message, d.Code)
	}
	return fmt.Sprintf("%s: %s: %s [%s] at %s", file, d.Severity, d.Message, d.Code, d.Location.Path)
}
