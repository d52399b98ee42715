package main

import (
	"encoding/json"

	"github.com/handit-ai/handit-core/internal/config"
	"github.com/spf13/cobra"
)

func newOptimizeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Run one weekly optimization pass over every active model and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.optimization.RunWeeklyOptimization(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
