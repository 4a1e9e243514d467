package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/residue-eval/internal/evaluator"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/store"
)

// #region main

var (
	dbPath     string
	last       int
	runID      string
	summary    bool
	evaluation string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:          "inspect",
	Short:        "Inspect stored evaluation runs",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()

		switch {
		case runID != "":
			return runDetailMode(st, runID, jsonOut)
		case summary:
			return runSummaryMode(st, evaluation, jsonOut)
		default:
			return runListMode(st, last, jsonOut)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&dbPath, "db", "", "path to the result database")
	rootCmd.Flags().IntVar(&last, "last", 20, "show N most recent runs")
	rootCmd.Flags().StringVar(&runID, "run", "", "show single run detail")
	rootCmd.Flags().BoolVar(&summary, "summary", false, "show per-domain summaries")
	rootCmd.Flags().StringVar(&evaluation, "evaluation", "", "restrict --summary to one evaluation")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	_ = rootCmd.MarkFlagRequired("db")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

func runListMode(st *store.Store, last int, jsonOut bool) error {
	runs, err := st.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}
	if jsonOut {
		return printJSON(runs)
	}

	fmt.Printf("%-12s  %-16s  %-12s  %-10s  %6s  %5s  %6s  %s\n",
		"Run", "Probe", "Shell", "Status", "Δp", "Steps", "Events", "Started")
	fmt.Printf("%-12s+-%-16s+-%-12s+-%-10s+-%6s+-%5s+-%6s+-%s\n",
		"------------", "----------------", "------------", "----------", "------", "-----", "------", "--------------------")
	// Store returns newest first; print chronologically.
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		dp := "-"
		if r.DeltaP != nil {
			dp = fmt.Sprintf("%.3f", *r.DeltaP)
		}
		fmt.Printf("%-12s  %-16s  %-12s  %-10s  %6s  %5d  %6d  %s\n",
			shortID(r.RunID), r.ProbeID, r.Shell, r.Status, dp, r.Steps, r.Events,
			r.StartedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(st *store.Store, id string, jsonOut bool) error {
	d, err := st.GetRun(id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(d)
	}

	fmt.Printf("Run:        %s\n", d.RunID)
	fmt.Printf("Evaluation: %s\n", d.EvaluationID)
	fmt.Printf("Probe:      %s (%s)\n", d.ProbeID, d.Domain)
	fmt.Printf("Shell:      %s\n", d.Shell)
	fmt.Printf("Status:     %s\n", d.Status)
	fmt.Printf("Converged:  %v\n", d.Converged)
	fmt.Printf("Started:    %s (%s)\n", d.StartedAt.Format("2006-01-02T15:04:05Z"), d.Duration)
	if d.Cause != nil {
		fmt.Printf("Cause:      %s at depth %d: %s\n", d.Cause.Kind, d.Cause.Depth, d.Cause.Message)
	}
	if d.Score != nil {
		fmt.Printf("\nScore:\n")
		fmt.Printf("  Stability:   %.4f\n", d.Score.Stability)
		fmt.Printf("  Integration: %.4f\n", d.Score.Integration)
		fmt.Printf("  Boundary:    %.4f\n", d.Score.Boundary)
		fmt.Printf("  Lambda:      %.4f\n", d.Score.Lambda)
		fmt.Printf("  Δp:          %.4f\n", d.Score.DeltaP)
	}

	fmt.Printf("\nSteps:\n")
	for _, s := range d.StepList {
		div := "-"
		if s.Features.Divergence != nil {
			div = fmt.Sprintf("%.3f", *s.Features.Divergence)
		}
		flag := ""
		if s.CollapseCandidate {
			flag = "  [converged]"
		}
		fmt.Printf("  %d  entropy=%.3f  div=%s  causal=%.3f  rep=%.3f  attempts=%d%s\n",
			s.Depth, s.Features.Entropy, div, s.Features.CausalLinkScore, s.Features.RepetitionScore, s.Attempts, flag)
		fmt.Printf("     %s\n", truncate(s.Completion, 100))
	}

	if len(d.Residue) > 0 {
		fmt.Printf("\nResidue:\n")
		for _, ev := range d.Residue {
			span := fmt.Sprintf("depth %d", ev.Depth)
			if ev.EndDepth != ev.Depth {
				span = fmt.Sprintf("depth %d-%d", ev.Depth, ev.EndDepth)
			}
			if ev.Kind == residue.TokenHesitation {
				span += fmt.Sprintf(" tokens %d:%d", ev.TokenStart, ev.TokenEnd)
			}
			fmt.Printf("  %-18s  %-22s  severity=%.3f\n", ev.Kind, span, ev.Severity)
		}
	}
	return nil
}

// #endregion detail-mode

// #region summary-mode

func runSummaryMode(st *store.Store, evaluationID string, jsonOut bool) error {
	domains, err := st.DomainSummaries(evaluationID)
	if err != nil {
		return err
	}
	if jsonOut {
		if domains == nil {
			domains = []evaluator.DomainSummary{}
		}
		return printJSON(domains)
	}
	fmt.Printf("%-16s  %4s  %4s  %9s  %6s  %7s  %4s  %10s  %8s\n",
		"Domain", "Runs", "OK", "Cancelled", "Failed", "Mean Δp", "Void", "Hesitation", "Collapse")
	for _, d := range domains {
		fmt.Printf("%-16s  %4d  %4d  %9d  %6d  %7.3f  %4d  %10d  %8d\n",
			d.Domain, d.Runs, d.Completed, d.Cancelled, d.Failed, d.MeanDeltaP,
			d.Residue[residue.AttributionVoid], d.Residue[residue.TokenHesitation], d.Residue[residue.RecursiveCollapse])
	}
	return nil
}

// #endregion summary-mode

// #region helpers

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// #endregion helpers
