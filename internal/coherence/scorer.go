package coherence

import (
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region scorer

// Scorer computes Δ-p for completed traces. It is pure and safe for concurrent use.
type Scorer struct {
	config  Config
	tracker *residue.Tracker
}

// NewScorer creates a Scorer. tracker supplies the collapse events that bound λ.
func NewScorer(config Config, tracker *residue.Tracker) *Scorer {
	return &Scorer{config: config, tracker: tracker}
}

// #endregion scorer

// #region score

// Score computes the coherence breakdown of t.
// It returns a *PreconditionError unless t is Completed with at least one step.
func (s *Scorer) Score(t *trace.Trace) (Score, error) {
	steps := t.Steps()
	if t.Status() != trace.StatusCompleted || len(steps) == 0 {
		return Score{}, &PreconditionError{RunID: t.RunID(), Status: t.Status(), Steps: len(steps)}
	}
	collapses := residue.Filter(s.tracker.Classify(t), residue.RecursiveCollapse)
	return s.compute(steps, t.Converged(), t.MaxDepth(), collapses), nil
}

func (s *Scorer) compute(steps []trace.Step, converged bool, maxDepth int, collapses []residue.Event) Score {
	sc := Score{
		Stability:   stability(steps),
		Integration: s.integration(steps),
		Boundary:    s.boundary(steps, converged),
		Lambda:      lambda(len(steps), maxDepth, collapses),
	}
	sc.DeltaP = clamp(sc.Stability * sc.Integration * sc.Boundary * sc.Lambda)
	return sc
}

// #endregion score

// #region factors

// stability is 1 minus the mean defined divergence.
func stability(steps []trace.Step) float64 {
	var sum float64
	n := 0
	for _, st := range steps {
		if st.Features.Divergence != nil {
			sum += *st.Features.Divergence
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return clamp(1 - sum/float64(n))
}

// integration is the share of recursive steps that build on their predecessor.
func (s *Scorer) integration(steps []trace.Step) float64 {
	if len(steps) < 2 {
		return 1
	}
	linked := 0
	for _, st := range steps[1:] {
		if st.Features.CausalLinkScore > s.config.IntegrationThreshold {
			linked++
		}
	}
	return float64(linked) / float64(len(steps)-1)
}

// boundary penalises over-repetitive steps other than a converged terminal step.
func (s *Scorer) boundary(steps []trace.Step, converged bool) float64 {
	last := len(steps) - 1
	violations := 0
	for i, st := range steps {
		if converged && i == last && st.CollapseCandidate {
			continue
		}
		if st.Features.RepetitionScore > s.config.CollapseRepetition {
			violations++
		}
	}
	return clamp(1 - float64(violations)/float64(len(steps)))
}

// lambda is the recursion depth reached before the first collapse, relative to the maximum.
func lambda(steps, maxDepth int, collapses []residue.Event) float64 {
	if maxDepth <= 0 {
		return 0
	}
	reached := steps
	if len(collapses) > 0 {
		reached = collapses[0].EndDepth
	}
	return clamp(float64(reached) / float64(maxDepth))
}

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion factors
