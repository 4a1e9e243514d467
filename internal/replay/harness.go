package replay

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/evaluator"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/shell"
)

// #region types

// CheckResult is one comparison between an expectation and a run.
type CheckResult struct {
	Probe string
	Shell string
	Name  string
	Want  string
	Got   string
	Pass  bool
}

// Summary provides aggregate stats from a fixture check.
type Summary struct {
	Runs   int
	Checks int
	Passed int
	Failed int
}

// #endregion types

// #region run

// Run evaluates the fixture's protocol against its scripted adapter and returns
// the results ordered by probe then shell. Run IDs are assigned in job order.
func Run(ctx context.Context, f *Fixture, logger *zap.Logger) ([]evaluator.Result, error) {
	p, err := f.LoadProtocol()
	if err != nil {
		return nil, err
	}
	workers := f.Workers
	if workers < 1 {
		workers = 1
	}
	var seq atomic.Int64
	ev := evaluator.New(shell.DefaultRegistry(), evaluator.Options{
		Thresholds: f.Thresholds.ToThresholds(),
		Runtime:    config.RuntimeConfig{Workers: workers},
		Logger:     logger,
		NewID:      func() string { return fmt.Sprintf("replay-%03d", seq.Add(1)) },
	})
	ch, err := ev.Evaluate(ctx, p, f.Adapter())
	if err != nil {
		return nil, err
	}
	results := evaluator.Collect(ch)
	sort.Slice(results, func(i, j int) bool {
		if results[i].ProbeID != results[j].ProbeID {
			return results[i].ProbeID < results[j].ProbeID
		}
		return results[i].Shell < results[j].Shell
	})
	return results, nil
}

// #endregion run

// #region check

// Check compares results against the fixture's expectations. An expectation
// without a matching run fails with Got "missing".
func Check(f *Fixture, results []evaluator.Result) []CheckResult {
	index := make(map[string]evaluator.Result, len(results))
	for _, r := range results {
		index[r.ProbeID+"/"+r.Shell] = r
	}

	var out []CheckResult
	for _, exp := range f.Expected {
		add := func(name, want, got string, pass bool) {
			out = append(out, CheckResult{Probe: exp.Probe, Shell: exp.Shell, Name: name, Want: want, Got: got, Pass: pass})
		}
		r, ok := index[exp.Probe+"/"+exp.Shell]
		if !ok {
			add("run", "present", "missing", false)
			continue
		}

		if exp.Status != "" {
			add("status", string(exp.Status), string(r.Status), exp.Status == r.Status)
		}
		if exp.CauseKind != "" {
			got := "none"
			if r.Cause != nil {
				got = string(r.Cause.Kind)
			}
			add("cause", exp.CauseKind, got, got == exp.CauseKind)
		}
		if exp.Steps != nil {
			n := r.Trace.Len()
			add("steps", fmt.Sprint(*exp.Steps), fmt.Sprint(n), n == *exp.Steps)
		}
		if exp.Converged != nil {
			c := r.Trace.Converged()
			add("converged", fmt.Sprint(*exp.Converged), fmt.Sprint(c), c == *exp.Converged)
		}
		counts := residue.CountByKind(r.Residue)
		kinds := make([]string, 0, len(exp.Events))
		for k := range exp.Events {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			want, got := exp.Events[k], counts[residue.Kind(k)]
			add("events."+k, fmt.Sprint(want), fmt.Sprint(got), want == got)
		}
		if exp.MinDeltaP != nil || exp.MaxDeltaP != nil {
			checkDeltaP(exp, r, add)
		}
	}
	return out
}

func checkDeltaP(exp FixtureExpected, r evaluator.Result, add func(name, want, got string, pass bool)) {
	if r.Score == nil {
		add("delta_p", "scored", "unscored", false)
		return
	}
	got := fmt.Sprintf("%.4f", r.Score.DeltaP)
	if exp.MinDeltaP != nil {
		add("delta_p.min", fmt.Sprintf(">= %.4f", *exp.MinDeltaP), got, r.Score.DeltaP >= *exp.MinDeltaP)
	}
	if exp.MaxDeltaP != nil {
		add("delta_p.max", fmt.Sprintf("<= %.4f", *exp.MaxDeltaP), got, r.Score.DeltaP <= *exp.MaxDeltaP)
	}
}

// Summarize computes aggregate stats from check results.
func Summarize(results []evaluator.Result, checks []CheckResult) Summary {
	s := Summary{Runs: len(results), Checks: len(checks)}
	for _, c := range checks {
		if c.Pass {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// #endregion check
