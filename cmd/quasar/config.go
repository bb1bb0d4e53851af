package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/quasar/pkg/config"
)

func newConfigCommand(configFile *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			if output != "" {
				if err := config.Save(output, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", output)
				return nil
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the configuration to this file instead of stdout")
	return cmd
}
