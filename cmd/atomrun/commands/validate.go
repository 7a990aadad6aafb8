package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atomrun/atomrun/pkg/config"
	"github.com/atomrun/atomrun/pkg/source"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Validate a plan document and the engine configuration",
		Long: `Validate a plan document without executing it.

This command checks:
  - YAML syntax validity
  - Atom ids unique and every atom assigned to exactly one wave
  - Every dependency landing in a strictly earlier wave
  - Engine configuration constraints`,
		Example: `  # Validate a plan
  atomrun validate plan.yaml

  # Validate a plan together with a config file
  atomrun validate -c atomrun.yaml plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			src, err := source.NewFileSource(planPath, telemetry.NopLogger())
			if err != nil {
				return err
			}

			plan, err := src.GetWavePlan(cmd.Context(), src.SystemID())
			if err != nil {
				return err
			}

			atoms := 0
			for _, wave := range plan.Waves {
				atoms += len(wave)
			}

			log.Info().
				Str("system_id", plan.SystemID).
				Int("waves", len(plan.Waves)).
				Int("atoms", atoms).
				Int("max_parallel", cfg.Engine.MaxParallel).
				Msg("Plan validated")

			fmt.Printf("Plan %s is valid: %d atoms across %d waves\n", plan.SystemID, atoms, len(plan.Waves))
			return nil
		},
	}

	return cmd
}
