package residue

import (
	"testing"

	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region helpers

func defaultTracker() *Tracker {
	return NewTracker(ConfigFrom(config.DefaultThresholds()))
}

// buildTrace appends steps with the given features, finalizing Completed.
func buildTrace(t *testing.T, maxDepth int, converged bool, feats ...trace.Features) *trace.Trace {
	t.Helper()
	tr := trace.New("run", "probe", "mirror", maxDepth)
	for d, f := range feats {
		s := trace.Step{Depth: d, Features: f}
		if converged && d == len(feats)-1 {
			s.CollapseCandidate = true
		}
		if err := tr.Append(s); err != nil {
			t.Fatalf("append %d: %v", d, err)
		}
	}
	if err := tr.Finalize(trace.StatusCompleted, nil, converged); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return tr
}

func linked() trace.Features { return trace.Features{CausalLinkScore: 0.8} }

func repeated(rep float64) trace.Features {
	return trace.Features{CausalLinkScore: 0.8, RepetitionScore: rep}
}

// #endregion helpers

// #region void-tests

func TestClassify_VoidBoundary(t *testing.T) {
	tests := []struct {
		name   string
		causal float64
		want   int
	}{
		{"at-threshold", 0.3, 0},
		{"just-below", 0.29999, 1},
		{"zero", 0, 1},
		{"above", 0.7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := buildTrace(t, 5, false, trace.Features{CausalLinkScore: tt.causal})
			voids := Filter(defaultTracker().Classify(tr), AttributionVoid)
			if len(voids) != tt.want {
				t.Fatalf("expected %d voids, got %d", tt.want, len(voids))
			}
			if tt.want == 1 && voids[0].Severity != 1-tt.causal {
				t.Errorf("severity: got %f, want %f", voids[0].Severity, 1-tt.causal)
			}
		})
	}
}

// #endregion void-tests

// #region hesitation-tests

func TestClassify_HesitationRuns(t *testing.T) {
	f := linked()
	// runs: [1,4) long enough, [5,7) too short, [8,11) long enough at the tail
	f.TokenEntropies = []float64{1, 5, 5, 5, 1, 5, 5, 1, 6, 6, 6}
	tr := buildTrace(t, 5, false, f)

	got := Filter(defaultTracker().Classify(tr), TokenHesitation)
	if len(got) != 2 {
		t.Fatalf("expected 2 hesitation events, got %d: %+v", len(got), got)
	}
	if got[0].TokenStart != 1 || got[0].TokenEnd != 4 {
		t.Errorf("first run: got [%d,%d)", got[0].TokenStart, got[0].TokenEnd)
	}
	if got[1].TokenStart != 8 || got[1].TokenEnd != 11 {
		t.Errorf("second run: got [%d,%d)", got[1].TokenStart, got[1].TokenEnd)
	}
	if got[1].Severity <= got[0].Severity {
		t.Errorf("higher excess should be more severe: %f vs %f", got[1].Severity, got[0].Severity)
	}
}

func TestClassify_HesitationAtThresholdIgnored(t *testing.T) {
	f := linked()
	f.TokenEntropies = []float64{4.5, 4.5, 4.5, 4.5}
	tr := buildTrace(t, 5, false, f)

	if got := Filter(defaultTracker().Classify(tr), TokenHesitation); len(got) != 0 {
		t.Errorf("entropy equal to the threshold must not count, got %+v", got)
	}
}

// #endregion hesitation-tests

// #region collapse-tests

func TestClassify_ConvergedTerminalCollapse(t *testing.T) {
	// A, X, X: convergence fires at depth 2.
	tr := buildTrace(t, 5, true, linked(), repeated(0.1), repeated(1))

	got := Filter(defaultTracker().Classify(tr), RecursiveCollapse)
	if len(got) != 1 {
		t.Fatalf("expected 1 collapse, got %d", len(got))
	}
	if got[0].Depth != 1 || got[0].EndDepth != 2 {
		t.Errorf("range: got [%d,%d], want [1,2]", got[0].Depth, got[0].EndDepth)
	}
	if got[0].Severity != 1 {
		t.Errorf("severity: got %f", got[0].Severity)
	}
}

func TestClassify_IdenticalFromStart(t *testing.T) {
	tr := buildTrace(t, 5, true, linked(), repeated(1))

	got := Filter(defaultTracker().Classify(tr), RecursiveCollapse)
	if len(got) != 1 || got[0].Depth != 0 || got[0].EndDepth != 1 {
		t.Fatalf("expected one collapse [0,1], got %+v", got)
	}
}

func TestClassify_RunMergedWithTerminal(t *testing.T) {
	tr := buildTrace(t, 6, true, linked(), repeated(0.1), repeated(0.92), repeated(0.93), repeated(0.97))

	got := Filter(defaultTracker().Classify(tr), RecursiveCollapse)
	if len(got) != 1 {
		t.Fatalf("expected a single merged collapse, got %+v", got)
	}
	if got[0].Depth != 1 || got[0].EndDepth != 4 || got[0].Severity != 0.97 {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestClassify_NonTerminalRun(t *testing.T) {
	tr := buildTrace(t, 6, false, linked(), repeated(0.92), repeated(0.91), repeated(0.1), repeated(0.93))

	got := Filter(defaultTracker().Classify(tr), RecursiveCollapse)
	if len(got) != 1 {
		t.Fatalf("expected one run event (isolated step ignored), got %+v", got)
	}
	if got[0].Depth != 0 || got[0].EndDepth != 2 {
		t.Errorf("range: got [%d,%d]", got[0].Depth, got[0].EndDepth)
	}
}

// #endregion collapse-tests

// #region merge-tests

func TestClassify_OrderAndIndependentKinds(t *testing.T) {
	f := trace.Features{CausalLinkScore: 0, TokenEntropies: []float64{6, 6, 6}}
	tr := buildTrace(t, 5, false, f, f)

	events := defaultTracker().Classify(tr)
	if len(events) != 4 {
		t.Fatalf("expected void+hesitation per step, got %d", len(events))
	}
	want := []struct {
		kind  Kind
		depth int
	}{{AttributionVoid, 0}, {TokenHesitation, 0}, {AttributionVoid, 1}, {TokenHesitation, 1}}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].Depth != w.depth {
			t.Errorf("event %d: got %s@%d, want %s@%d", i, events[i].Kind, events[i].Depth, w.kind, w.depth)
		}
	}
}

func TestMerge_DedupesEqualOverlap(t *testing.T) {
	in := []Event{
		{Kind: RecursiveCollapse, Depth: 1, EndDepth: 3, Severity: 0.95},
		{Kind: RecursiveCollapse, Depth: 2, EndDepth: 3, Severity: 0.95},
		{Kind: RecursiveCollapse, Depth: 2, EndDepth: 3, Severity: 0.99},
	}
	if got := merge(in); len(got) != 2 {
		t.Errorf("expected 2 events after merge, got %+v", got)
	}
}

func TestCountByKind(t *testing.T) {
	counts := CountByKind([]Event{{Kind: AttributionVoid}, {Kind: AttributionVoid}})
	if counts[AttributionVoid] != 2 || counts[TokenHesitation] != 0 || len(counts) != 3 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestClassify_DoesNotMutate(t *testing.T) {
	tr := buildTrace(t, 5, true, linked(), repeated(1))
	before := tr.Steps()
	defaultTracker().Classify(tr)
	after := tr.Steps()
	if len(before) != len(after) || before[1].Features.RepetitionScore != after[1].Features.RepetitionScore {
		t.Error("classification changed the trace")
	}
}

// #endregion merge-tests
