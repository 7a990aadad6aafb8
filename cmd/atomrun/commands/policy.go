package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomrun/atomrun/pkg/config"
	"github.com/atomrun/atomrun/pkg/policy"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect skip and gate policies",
	}

	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded decision policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			engine, err := policy.NewEngine(cfg.Engine.GateThreshold, telemetry.NopLogger())
			if err != nil {
				return err
			}
			if len(cfg.PolicyPaths) > 0 {
				if err := engine.LoadPolicies(context.Background(), cfg.PolicyPaths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				data, err := json.MarshalIndent(policies, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, p := range policies {
				state := "disabled"
				if p.Enabled {
					state = "enabled"
				}
				fmt.Printf("%-12s %-8s %-8s %s\n", p.Name, p.Severity, state, p.Description)
			}
			return nil
		},
	}
}
