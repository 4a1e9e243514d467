package residue

import (
	"math"
	"sort"

	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region tracker

// Tracker classifies the residue patterns of a trace. It holds configuration only.
type Tracker struct {
	config Config
}

// NewTracker creates a Tracker.
func NewTracker(config Config) *Tracker {
	if config.HesitationRunLength < 1 {
		config.HesitationRunLength = 1
	}
	return &Tracker{config: config}
}

// Config returns the thresholds in use.
func (tr *Tracker) Config() Config { return tr.config }

// #endregion tracker

// #region classify

// Classify returns every residue event of t, merged and ordered. t is not modified.
func (tr *Tracker) Classify(t *trace.Trace) []Event {
	return tr.ClassifySteps(t.Steps(), t.Converged())
}

// ClassifySteps classifies a bare step slice. converged marks the last step as
// the terminal collapse detected by the runtime.
func (tr *Tracker) ClassifySteps(steps []trace.Step, converged bool) []Event {
	var events []Event
	for _, s := range steps {
		events = append(events, tr.voids(s)...)
		events = append(events, tr.hesitations(s)...)
	}
	events = append(events, tr.collapses(steps, converged)...)
	return merge(events)
}

// Filter returns the events of the given kind, preserving order.
func Filter(events []Event, kind Kind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// CountByKind tallies events per kind. Every kind is present in the result.
func CountByKind(events []Event) map[Kind]int {
	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = 0
	}
	for _, e := range events {
		counts[e.Kind]++
	}
	return counts
}

// #endregion classify

// #region void

func (tr *Tracker) voids(s trace.Step) []Event {
	causal := s.Features.CausalLinkScore
	if causal >= tr.config.VoidThreshold {
		return nil
	}
	return []Event{{
		Kind:     AttributionVoid,
		Depth:    s.Depth,
		EndDepth: s.Depth,
		Severity: clamp(1 - causal),
		Metrics:  map[string]float64{"causal_link_score": causal},
	}}
}

// #endregion void

// #region hesitation

// hesitations emits one event per maximal run of high-entropy tokens long enough to count.
func (tr *Tracker) hesitations(s trace.Step) []Event {
	var events []Event
	ents := s.Features.TokenEntropies
	n := tr.config.HesitationRunLength
	h := tr.config.HesitationEntropy

	flush := func(start, end int) {
		runLen := end - start
		if runLen < n {
			return
		}
		var excess float64
		for _, e := range ents[start:end] {
			excess += e - h
		}
		meanExcess := excess / float64(runLen)
		denom := float64(n) * h
		if denom <= 0 {
			denom = float64(n)
		}
		events = append(events, Event{
			Kind:       TokenHesitation,
			Depth:      s.Depth,
			EndDepth:   s.Depth,
			TokenStart: start,
			TokenEnd:   end,
			Severity:   clamp(math.Tanh(float64(runLen) * meanExcess / denom)),
			Metrics: map[string]float64{
				"run_length":  float64(runLen),
				"mean_excess": meanExcess,
			},
		})
	}

	start := -1
	for i, e := range ents {
		switch {
		case e > h && start < 0:
			start = i
		case e <= h && start >= 0:
			flush(start, i)
			start = -1
		}
	}
	if start >= 0 {
		flush(start, len(ents))
	}
	return events
}

// #endregion hesitation

// #region collapse

// collapses emits one event per run of at least two consecutive over-repetitive steps,
// plus the converged terminal step unless a run already ends there.
func (tr *Tracker) collapses(steps []trace.Step, converged bool) []Event {
	var events []Event
	last := len(steps) - 1
	terminalCovered := false

	emit := func(start, end int) {
		maxRep := 0.0
		for _, s := range steps[start : end+1] {
			maxRep = math.Max(maxRep, s.Features.RepetitionScore)
		}
		events = append(events, Event{
			Kind:     RecursiveCollapse,
			Depth:    steps[start].Depth - 1,
			EndDepth: steps[end].Depth,
			Severity: clamp(maxRep),
			Metrics: map[string]float64{
				"max_repetition": maxRep,
				"run_length":     float64(end - start + 1),
			},
		})
	}

	terminal := converged && last >= 1 && steps[last].CollapseCandidate
	start := -1
	for i := 1; i <= last+1; i++ {
		high := i <= last && steps[i].Features.RepetitionScore > tr.config.CollapseRepetition
		if high {
			if start < 0 {
				start = i
			}
			continue
		}
		if start < 0 {
			continue
		}
		end := i - 1
		if end-start+1 >= 2 || (terminal && end == last) {
			emit(start, end)
			if end == last {
				terminalCovered = true
			}
		}
		start = -1
	}

	if terminal && !terminalCovered {
		emit(last, last)
	}
	return events
}

// #endregion collapse

// #region merge

// merge orders events and folds same-kind duplicates that overlap with equal severity.
func merge(events []Event) []Event {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.EndDepth != b.EndDepth {
			return a.EndDepth < b.EndDepth
		}
		if a.Kind != b.Kind {
			return a.Kind.order() < b.Kind.order()
		}
		return a.TokenStart < b.TokenStart
	})

	out := make([]Event, 0, len(events))
	for _, e := range events {
		dup := false
		for i := range out {
			if duplicates(out[i], e) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

func duplicates(a, b Event) bool {
	if a.Kind != b.Kind || a.Severity != b.Severity {
		return false
	}
	if a.EndDepth < b.Depth || b.EndDepth < a.Depth {
		return false
	}
	if a.Kind == TokenHesitation {
		return a.TokenStart < b.TokenEnd && b.TokenStart < a.TokenEnd
	}
	return true
}

// #endregion merge

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
