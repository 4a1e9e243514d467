package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/residue-eval/internal/replay"
	"github.com/danielpatrickdp/residue-eval/internal/report"
)

// #region main

// Exit codes: 0 all expectations met, 1 mismatch, 2 fixture or run error.
var exitCode int

var (
	fixturePath string
	reportPath  string
	timeout     time.Duration
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "replay",
	Short:        "Run a scripted fixture through the evaluator and check its expectations",
	SilenceUsage: true,
	RunE:         runFixture,
}

func init() {
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "also write the evaluation report here")
	rootCmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "wall-clock limit for the whole fixture")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every run")
	_ = rootCmd.MarkFlagRequired("fixture")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region fixture-mode

func runFixture(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return fmt.Errorf("load fixture: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	results, err := replay.Run(ctx, f, logger)
	if err != nil {
		return fmt.Errorf("run fixture: %w", err)
	}

	if reportPath != "" {
		out, err := os.Create(reportPath)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		if err := report.Write(out, report.Build("", results)); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}

	checks := replay.Check(f, results)
	for _, c := range checks {
		mark := "ok  "
		if !c.Pass {
			mark = "FAIL"
		}
		fmt.Printf("%s  %-16s  %-12s  %-24s  want %-10s  got %s\n", mark, c.Probe, c.Shell, c.Name, c.Want, c.Got)
	}

	s := replay.Summarize(results, checks)
	fmt.Printf("\n%s: %d runs, %d checks, %d passed, %d failed\n", f.Description, s.Runs, s.Checks, s.Passed, s.Failed)
	if s.Failed > 0 {
		exitCode = 1
	}
	return nil
}

// #endregion fixture-mode
