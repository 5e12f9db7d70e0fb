package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"secondmind/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	RunE:  showConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

// showConfig prints the effective configuration with secrets masked.
func showConfig(cmd *cobra.Command, args []string) error {
	shown := *cfg
	shown.LLM.APIKey = mask(shown.LLM.APIKey)
	shown.Evidence.SerpAPIKey = mask(shown.Evidence.SerpAPIKey)

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return nil
}

func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****"
	}
}
