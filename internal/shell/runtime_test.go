package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/metrics"
	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region helpers

func fastConfig(maxDepth int) Config {
	return Config{
		MaxDepth:              maxDepth,
		TimeoutPerStep:        time.Second,
		RetryBackoff:          time.Millisecond,
		MaxBackoff:            5 * time.Millisecond,
		MaxRetries:            2,
		ConvergenceSimilarity: 0.95,
	}
}

func newRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	return NewRuntime(cfg, Deps{Logger: zaptest.NewLogger(t)})
}

func mirrorShell(t *testing.T) Shell {
	t.Helper()
	sh, err := DefaultRegistry().New(Mirror, protocol.Probe{ID: "p", Domain: "d", Prompt: "Describe the river delta ecosystem."})
	if err != nil {
		t.Fatalf("new shell: %v", err)
	}
	return sh
}

// distinct answers a different sentence at every depth.
var distinct = adapter.Func(func(_ context.Context, req adapter.Request) (adapter.Completion, error) {
	return adapter.Completion{Text: fmt.Sprintf("answer number %d about the river delta", req.Depth)}, nil
})

// #endregion helpers

// #region completion-tests

func TestRunToMaxDepth(t *testing.T) {
	tr := newRuntime(t, fastConfig(4)).Run(context.Background(), mirrorShell(t), distinct)

	if tr.Status() != trace.StatusCompleted {
		t.Fatalf("status: got %s (cause %+v)", tr.Status(), tr.Cause())
	}
	if tr.Len() != 4 || tr.Converged() {
		t.Errorf("expected 4 steps without convergence, got %d (converged=%v)", tr.Len(), tr.Converged())
	}
	steps := tr.Steps()
	if steps[0].Prompt != "Describe the river delta ecosystem." {
		t.Errorf("depth 0 must use the base prompt, got %q", steps[0].Prompt)
	}
	if steps[0].Features.Divergence != nil || steps[1].Features.Divergence == nil {
		t.Error("divergence must be nil at depth 0 and set afterwards")
	}
	for i, s := range steps {
		if s.Depth != i || s.Attempts != 1 {
			t.Errorf("step %d: depth=%d attempts=%d", i, s.Depth, s.Attempts)
		}
	}
}

func TestRunPassesHistory(t *testing.T) {
	var histories []int
	a := adapter.Func(func(ctx context.Context, req adapter.Request) (adapter.Completion, error) {
		histories = append(histories, len(req.History))
		return distinct(ctx, req)
	})
	newRuntime(t, fastConfig(3)).Run(context.Background(), mirrorShell(t), a)

	if fmt.Sprint(histories) != "[0 1 2]" {
		t.Errorf("history lengths: got %v", histories)
	}
}

func TestRunConvergence(t *testing.T) {
	same := adapter.Func(func(context.Context, adapter.Request) (adapter.Completion, error) {
		return adapter.Completion{Text: "the delta is where the river meets the sea"}, nil
	})
	tr := newRuntime(t, fastConfig(5)).Run(context.Background(), mirrorShell(t), same)

	if tr.Status() != trace.StatusCompleted || !tr.Converged() {
		t.Fatalf("expected converged completion, got %s converged=%v", tr.Status(), tr.Converged())
	}
	if tr.Len() != 2 {
		t.Fatalf("expected early stop after 2 steps, got %d", tr.Len())
	}
	last, _ := tr.Last()
	if !last.CollapseCandidate || last.Features.RepetitionScore != 1 {
		t.Errorf("terminal step not flagged: %+v", last)
	}
}

// #endregion completion-tests

// #region retry-tests

func TestRunRetriesTransient(t *testing.T) {
	calls := 0
	flaky := adapter.Func(func(ctx context.Context, req adapter.Request) (adapter.Completion, error) {
		calls++
		if req.Depth == 0 && calls <= 2 {
			return adapter.Completion{}, adapter.TransientError("complete", errors.New("connection reset"))
		}
		return distinct(ctx, req)
	})
	tr := newRuntime(t, fastConfig(2)).Run(context.Background(), mirrorShell(t), flaky)

	if tr.Status() != trace.StatusCompleted {
		t.Fatalf("status: got %s (cause %+v)", tr.Status(), tr.Cause())
	}
	if steps := tr.Steps(); steps[0].Attempts != 3 || steps[1].Attempts != 1 {
		t.Errorf("attempts: got %d, %d", steps[0].Attempts, steps[1].Attempts)
	}
}

func TestRunTransientExhausted(t *testing.T) {
	calls := 0
	a := adapter.Func(func(ctx context.Context, req adapter.Request) (adapter.Completion, error) {
		if req.Depth == 1 {
			calls++
			return adapter.Completion{}, errors.New("unclassified failure")
		}
		return distinct(ctx, req)
	})
	tr := newRuntime(t, fastConfig(4)).Run(context.Background(), mirrorShell(t), a)

	if tr.Status() != trace.StatusFailed {
		t.Fatalf("status: got %s", tr.Status())
	}
	if calls != 3 {
		t.Errorf("expected 1 try + 2 retries, got %d calls", calls)
	}
	cause := tr.Cause()
	if cause == nil || cause.Kind != trace.CauseTransientExhausted || cause.Depth != 1 {
		t.Errorf("unexpected cause %+v", cause)
	}
	if tr.Len() != 1 {
		t.Errorf("partial trace must keep depth 0, got %d steps", tr.Len())
	}
}

func TestRunPermanentNotRetried(t *testing.T) {
	calls := 0
	a := adapter.Func(func(context.Context, adapter.Request) (adapter.Completion, error) {
		calls++
		return adapter.Completion{}, adapter.PermanentError("complete", errors.New("content policy"))
	})
	tr := newRuntime(t, fastConfig(3)).Run(context.Background(), mirrorShell(t), a)

	if tr.Status() != trace.StatusFailed || calls != 1 {
		t.Fatalf("expected one call and Failed, got %d calls, %s", calls, tr.Status())
	}
	if c := tr.Cause(); c.Kind != trace.CausePermanent || c.Depth != 0 {
		t.Errorf("unexpected cause %+v", c)
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty trace, got %d steps", tr.Len())
	}
}

func TestRunPerStepTimeout(t *testing.T) {
	cfg := fastConfig(3)
	cfg.TimeoutPerStep = 10 * time.Millisecond
	cfg.MaxRetries = 1

	// sleeps straight through its deadline
	stubborn := adapter.Func(func(context.Context, adapter.Request) (adapter.Completion, error) {
		time.Sleep(300 * time.Millisecond)
		return adapter.Completion{Text: "too late"}, nil
	})
	start := time.Now()
	tr := newRuntime(t, cfg).Run(context.Background(), mirrorShell(t), stubborn)
	elapsed := time.Since(start)

	if tr.Status() != trace.StatusFailed {
		t.Fatalf("status: got %s with %d steps", tr.Status(), tr.Len())
	}
	c := tr.Cause()
	if c.Kind != trace.CauseTransientExhausted || c.Depth != 0 {
		t.Errorf("timeouts are transient, got cause %+v", c)
	}
	if !strings.Contains(c.Message, context.DeadlineExceeded.Error()) {
		t.Errorf("cause should name the deadline, got %q", c.Message)
	}
	if elapsed >= 250*time.Millisecond {
		t.Errorf("runtime waited on the adapter instead of its deadline: %s", elapsed)
	}
}

func TestRunContextHonoringTimeout(t *testing.T) {
	cfg := fastConfig(3)
	cfg.TimeoutPerStep = 10 * time.Millisecond
	cfg.MaxRetries = 0

	hang := adapter.Func(func(ctx context.Context, _ adapter.Request) (adapter.Completion, error) {
		<-ctx.Done()
		return adapter.Completion{}, ctx.Err()
	})
	tr := newRuntime(t, cfg).Run(context.Background(), mirrorShell(t), hang)

	if tr.Status() != trace.StatusFailed || tr.Cause().Kind != trace.CauseTransientExhausted {
		t.Errorf("expected transient exhaustion, got %s %+v", tr.Status(), tr.Cause())
	}
}

// #endregion retry-tests

// #region cancellation-tests

func TestRunCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := adapter.Func(func(callCtx context.Context, req adapter.Request) (adapter.Completion, error) {
		if req.Depth == 1 {
			cancel()
			if callCtx.Err() != nil {
				t.Error("in-flight call must not observe run cancellation")
			}
		}
		return distinct(callCtx, req)
	})
	tr := newRuntime(t, fastConfig(5)).Run(ctx, mirrorShell(t), a)

	if tr.Status() != trace.StatusCancelled {
		t.Fatalf("status: got %s", tr.Status())
	}
	if tr.Len() != 2 {
		t.Errorf("completed in-flight step must be kept: got %d steps", tr.Len())
	}
	if c := tr.Cause(); c.Kind != trace.CauseCancelled || c.Depth != 2 {
		t.Errorf("unexpected cause %+v", c)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := adapter.Func(func(callCtx context.Context, req adapter.Request) (adapter.Completion, error) {
		if req.Depth == 1 {
			cancel()
			return adapter.Completion{}, adapter.TransientError("complete", errors.New("unavailable"))
		}
		return distinct(callCtx, req)
	})
	tr := newRuntime(t, fastConfig(5)).Run(ctx, mirrorShell(t), a)

	if tr.Status() != trace.StatusCancelled {
		t.Fatalf("status: got %s (cause %+v)", tr.Status(), tr.Cause())
	}
	if tr.Len() != 1 {
		t.Errorf("a step that never completed must not be recorded: got %d steps", tr.Len())
	}
}

func TestRunCancelledWhileRateLimited(t *testing.T) {
	cfg := fastConfig(3)
	cfg.TimeoutPerStep = 5 * time.Second

	var calls atomic.Int32
	inner := adapter.Func(func(ctx context.Context, req adapter.Request) (adapter.Completion, error) {
		calls.Add(1)
		return distinct(ctx, req)
	})
	limited := adapter.NewLimited(inner, 0.5, 1) // a token every 2s, one in the bucket

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	tr := newRuntime(t, cfg).Run(ctx, mirrorShell(t), limited)
	elapsed := time.Since(start)

	if tr.Status() != trace.StatusCancelled {
		t.Fatalf("status: got %s (cause %+v)", tr.Status(), tr.Cause())
	}
	if tr.Len() != 1 || calls.Load() != 1 {
		t.Errorf("expected only the burst call to run, got %d steps and %d calls", tr.Len(), calls.Load())
	}
	if c := tr.Cause(); c.Kind != trace.CauseCancelled || c.Depth != 1 {
		t.Errorf("unexpected cause %+v", c)
	}
	if elapsed >= time.Second {
		t.Errorf("queued call should stop with the run, took %s", elapsed)
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := newRuntime(t, fastConfig(3)).Run(ctx, mirrorShell(t), distinct)
	if tr.Status() != trace.StatusCancelled || tr.Len() != 0 {
		t.Errorf("expected empty cancelled trace, got %s with %d steps", tr.Status(), tr.Len())
	}
}

// #endregion cancellation-tests

// #region misc-tests

func TestRunTemplateFailure(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterTemplate("broken", "{{.Missing}}"); err != nil {
		t.Fatalf("register: %v", err)
	}
	sh, _ := r.New("broken", protocol.Probe{ID: "p", Prompt: "x"})
	tr := newRuntime(t, fastConfig(3)).Run(context.Background(), sh, distinct)

	if tr.Status() != trace.StatusFailed {
		t.Fatalf("status: got %s", tr.Status())
	}
	if c := tr.Cause(); c.Kind != trace.CauseInternal || c.Depth != 1 {
		t.Errorf("unexpected cause %+v", c)
	}
}

func TestRunRecordsMetricsAndClock(t *testing.T) {
	reg := prometheus.NewRegistry()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rt := NewRuntime(fastConfig(2), Deps{
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.New(reg),
		Clock:   func() time.Time { return fixed },
		NewID:   func() string { return "run-fixed" },
	})
	tr := rt.Run(context.Background(), mirrorShell(t), distinct)

	if tr.RunID() != "run-fixed" {
		t.Errorf("run id: got %q", tr.RunID())
	}
	for _, s := range tr.Steps() {
		if !s.Timestamp.Equal(fixed) {
			t.Errorf("timestamp: got %s", s.Timestamp)
		}
	}
	if n, err := testutil.GatherAndCount(reg, "residue_runs_total"); err != nil || n != 1 {
		t.Errorf("runs_total series: got %d (%v)", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "residue_adapter_attempts_total"); err != nil || n != 1 {
		t.Errorf("attempts series: got %d (%v)", n, err)
	}
}

// #endregion misc-tests
