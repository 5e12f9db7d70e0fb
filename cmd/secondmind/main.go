package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"secondmind/internal/config"
	"secondmind/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "secondmind",
	Short: "secondmind - iterative hypothesis research",
	Long: `secondmind answers a research question by iterating a five-stage cycle:

  1. Generation:  propose hypotheses from web evidence
  2. Reflection:  check coherence and evidence support
  3. Ranking:     score and order by weighted criteria
  4. Evolution:   refine the most promising hypotheses
  5. Meta-Review: measure the cycle and suggest improvements

Evolved hypotheses seed the next cycle of the same session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.For(logger, logging.CategoryBoot).Debug("config loaded",
			zap.String("path", configPath),
			zap.String("provider", cfg.LLM.Provider),
			zap.Bool("store_enabled", cfg.Store.Enabled))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "secondmind.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
