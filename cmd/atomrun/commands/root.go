package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atomrun",
		Short: "atomrun - Atom Execution & Retry Orchestration Engine",
		Long: `atomrun executes small, independently generated code units ("atoms")
under resource isolation, in dependency-ordered waves.

Features:
  - Subprocess and WASM sandbox backends with wall-clock and memory limits
  - Deterministic failure classification and bounded retry strategies
  - Success-rate gating between waves
  - Per-atom, per-wave, and system-wide execution telemetry
  - Bottom-up result aggregation (atom, module, component, system)
  - Policy-driven skip and gate decisions (OPA/rego)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
