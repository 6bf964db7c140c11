package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/perfstat/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and PERFSTAT_* environment
overrides are applied. Credentials are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		return cfg.WriteYAML(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
