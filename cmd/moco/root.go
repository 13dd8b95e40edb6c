package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"moco/internal/config"
	"moco/internal/observe"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "moco",
		Short:         "Momentum-contrastive representation learning",
		Long:          `Train an encoder without labels by contrasting each sample against a momentum-encoded positive and a queue of past keys, and monitor it with a kNN classifier.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	rootCmd.AddCommand(
		NewTrainCmd(),
		NewEvalCmd(),
		NewInspectCmd(),
		NewConfigCmd(),
	)
	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	cmd.PersistentFlags().String("data", "", "Dataset kind (cifar10|synthetic|text)")
	cmd.PersistentFlags().String("data-path", "", "CIFAR-10 binary directory")
}

// loadConfig resolves the effective configuration: defaults, then the
// --config file, then MOCO_* variables, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg)

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		cfg.LogLevel = config.LogLevel(v)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("data") {
		v, _ := flags.GetString("data")
		cfg.Data.Kind = config.DataKind(v)
	}
	if flags.Changed("data-path") {
		cfg.Data.Path, _ = flags.GetString("data-path")
	}
	applyTrainFlags(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return observe.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
}
