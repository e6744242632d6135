package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tracecheck/internal/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configGenerateCmd = &cobra.Command{
	Use:         "generate",
	Short:       "Write an example configuration with all defaults",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipSetup: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.GenerateExampleConfig(configOutput); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", configOutput)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration given by --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _ := appConfig.Session.Build()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid\nsession: %s\nexpectations: %d\n",
			sc, len(appConfig.Session.Expect))
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().StringVarP(&configOutput, "output", "o", "config.example.toml", "output path")
	configCmd.AddCommand(configGenerateCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
