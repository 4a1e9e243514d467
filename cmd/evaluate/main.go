package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danielpatrickdp/residue-eval/internal/config"
)

// #region flags
var (
	configPath   string
	verbose      bool
	logger       *zap.Logger
	loadedConfig config.Config
)
// #endregion flags

// #region root
var rootCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run recursive-prompting evaluations and score their coherence",
	Long: `evaluate drives a model through recursive prompting shells, extracts
per-step signals, classifies residue patterns and scores each run with Δp.

Configuration comes from --config (YAML or TOML) on top of the defaults,
then RESIDUE_DB, MODEL_ADDR, MODEL_NAME, MODEL_BASE_URL and RESIDUE_WORKERS.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		loadedConfig = cfg

		var err error
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging with the development encoder")
	rootCmd.AddCommand(runCmd, validateCmd, shellsCmd)
}
// #endregion root

// #region logger
func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development || verbose {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}
// #endregion logger

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
