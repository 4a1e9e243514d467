package shell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/metrics"
	"github.com/danielpatrickdp/residue-eval/internal/signals"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

var tracer = otel.Tracer("residue-eval/shell")

// #region config

// Config bounds one run.
type Config struct {
	MaxDepth              int
	TimeoutPerStep        time.Duration
	RetryBackoff          time.Duration
	MaxBackoff            time.Duration
	MaxRetries            int
	ConvergenceSimilarity float64
}

// ConfigFrom picks the runtime settings out of the engine-wide thresholds.
func ConfigFrom(t config.Thresholds) Config {
	return Config{
		MaxDepth:              t.MaxDepth,
		TimeoutPerStep:        t.TimeoutPerStep,
		RetryBackoff:          t.RetryBackoff,
		MaxBackoff:            t.MaxBackoff,
		MaxRetries:            t.MaxRetries,
		ConvergenceSimilarity: t.ConvergenceSimilarity,
	}
}

// Deps are the runtime's collaborators. Zero values get working defaults.
type Deps struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics // nil disables metrics
	Extractor *signals.Extractor
	Clock     func() time.Time
	NewID     func() string
}

// #endregion config

// #region runtime

// Runtime drives one shell through bounded recursion against an adapter.
type Runtime struct {
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	extractor *signals.Extractor
	now       func() time.Time
	newID     func() string
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg Config, deps Deps) *Runtime {
	rt := &Runtime{
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		extractor: deps.Extractor,
		now:       deps.Clock,
		newID:     deps.NewID,
	}
	if rt.logger == nil {
		rt.logger = zap.NewNop()
	}
	if rt.extractor == nil {
		rt.extractor = signals.NewExtractor(signals.DefaultExtractorConfig())
	}
	if rt.now == nil {
		rt.now = time.Now
	}
	if rt.newID == nil {
		rt.newID = uuid.NewString
	}
	return rt
}

// #endregion runtime

// #region run

// Run executes sh to completion, failure or cancellation and returns the finalized trace.
// It never returns an error: the outcome is the trace's status and cause.
func (rt *Runtime) Run(ctx context.Context, sh Shell, a adapter.Adapter) *trace.Trace {
	probe := sh.Probe()
	tr := trace.New(rt.newID(), probe.ID, sh.Name(), rt.cfg.MaxDepth)
	log := rt.logger.With(
		zap.String("run_id", tr.RunID()),
		zap.String("probe", probe.ID),
		zap.String("shell", sh.Name()),
	)

	ctx, span := tracer.Start(ctx, "shell.Run",
		oteltrace.WithAttributes(
			attribute.String("run.id", tr.RunID()),
			attribute.String("probe.id", probe.ID),
			attribute.String("shell.name", sh.Name()),
			attribute.Int("run.max_depth", rt.cfg.MaxDepth),
		),
	)
	defer span.End()

	status, cause, converged := rt.recurse(ctx, tr, sh, a, log)
	if err := tr.Finalize(status, cause, converged); err != nil {
		log.Error("finalize trace", zap.Error(err))
	}
	rt.metrics.RunFinished(sh.Name(), string(status))

	span.SetAttributes(
		attribute.String("run.status", string(status)),
		attribute.Int("run.steps", tr.Len()),
		attribute.Bool("run.converged", converged),
	)
	if status != trace.StatusCompleted {
		span.SetStatus(codes.Error, cause.Message)
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("steps", tr.Len()),
		zap.Bool("converged", converged),
	}
	if cause != nil {
		fields = append(fields, zap.String("cause", string(cause.Kind)), zap.String("reason", cause.Message))
	}
	log.Info("run finished", fields...)
	return tr
}

// recurse appends steps until the depth bound, convergence, failure or cancellation.
func (rt *Runtime) recurse(ctx context.Context, tr *trace.Trace, sh Shell, a adapter.Adapter, log *zap.Logger) (trace.Status, *trace.Cause, bool) {
	for depth := 0; depth < rt.cfg.MaxDepth; depth++ {
		if ctx.Err() != nil {
			return trace.StatusCancelled, cancelledAt(ctx, depth), false
		}

		step, err := rt.step(ctx, tr, sh, a, depth, log)
		if err != nil {
			return rt.failure(ctx, depth, err)
		}
		if err := tr.Append(step); err != nil {
			return trace.StatusFailed, &trace.Cause{Depth: depth, Kind: trace.CauseInternal, Message: err.Error()}, false
		}
		if step.CollapseCandidate {
			log.Debug("converged", zap.Int("depth", depth), zap.Float64("repetition", step.Features.RepetitionScore))
			return trace.StatusCompleted, nil, true
		}
	}
	return trace.StatusCompleted, nil, false
}

func cancelledAt(ctx context.Context, depth int) *trace.Cause {
	return &trace.Cause{Depth: depth, Kind: trace.CauseCancelled, Message: context.Cause(ctx).Error()}
}

// failure turns a step error into the run's terminal status.
func (rt *Runtime) failure(ctx context.Context, depth int, err error) (trace.Status, *trace.Cause, bool) {
	var pe *promptError
	switch {
	case errors.As(err, &pe):
		return trace.StatusFailed, &trace.Cause{Depth: depth, Kind: trace.CauseInternal, Message: err.Error()}, false
	case adapter.IsPermanent(err):
		return trace.StatusFailed, &trace.Cause{Depth: depth, Kind: trace.CausePermanent, Message: err.Error()}, false
	case ctx.Err() != nil:
		return trace.StatusCancelled, cancelledAt(ctx, depth), false
	default:
		return trace.StatusFailed, &trace.Cause{Depth: depth, Kind: trace.CauseTransientExhausted, Message: err.Error()}, false
	}
}

// #endregion run

// #region step

type promptError struct{ err error }

func (e *promptError) Error() string { return "build prompt: " + e.err.Error() }
func (e *promptError) Unwrap() error { return e.err }

// step produces one depth: prompt, adapter call with retries, features.
func (rt *Runtime) step(ctx context.Context, tr *trace.Trace, sh Shell, a adapter.Adapter, depth int, log *zap.Logger) (trace.Step, error) {
	prior := tr.Steps()
	prompt, err := sh.Prompt(depth, prior)
	if err != nil {
		return trace.Step{}, &promptError{err: err}
	}

	ctx, span := tracer.Start(ctx, "shell.Step", oteltrace.WithAttributes(attribute.Int("step.depth", depth)))
	defer span.End()

	req := adapter.Request{
		Prompt:  prompt,
		History: turns(prior),
		ProbeID: sh.Probe().ID,
		Shell:   sh.Name(),
		Depth:   depth,
	}

	start := rt.now()
	attempts := 0
	call := func() (adapter.Completion, error) {
		attempts++
		admitCtx, cancelAdmit := context.WithTimeout(ctx, rt.cfg.TimeoutPerStep)
		defer cancelAdmit()

		target := a
		if g, ok := a.(adapter.Gated); ok {
			// Queued calls are not in flight yet and stop with the run.
			if err := g.Admit(admitCtx); err != nil {
				return adapter.Completion{}, err
			}
			target = g.Unwrap()
		}

		// The in-flight call outlives cancellation of the run but not its own deadline.
		deadline, _ := admitCtx.Deadline()
		callCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
		defer cancel()

		comp, err := complete(callCtx, target, req)
		switch {
		case err == nil:
			rt.metrics.AdapterAttempt(metrics.OutcomeOK)
			return comp, nil
		case adapter.IsPermanent(err):
			rt.metrics.AdapterAttempt(metrics.OutcomePermanent)
			return comp, backoff.Permanent(err)
		default:
			rt.metrics.AdapterAttempt(metrics.OutcomeTransient)
			return comp, err
		}
	}

	comp, err := backoff.Retry(ctx, call,
		backoff.WithBackOff(rt.retryPolicy()),
		backoff.WithMaxTries(uint(rt.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("adapter call failed, retrying",
				zap.Int("depth", depth),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	rt.metrics.StepDuration(rt.now().Sub(start))
	span.SetAttributes(attribute.Int("step.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return trace.Step{}, fmt.Errorf("depth %d after %d attempt(s): %w", depth, attempts, err)
	}

	features := rt.extractor.Extract(signals.StepInput{
		Depth:      depth,
		Prompt:     prompt,
		Completion: comp.Text,
		Tokens:     comp.Tokens,
	}, prior)

	step := trace.Step{
		Depth:      depth,
		Prompt:     prompt,
		Completion: comp.Text,
		Tokens:     comp.Tokens,
		Features:   features,
		Timestamp:  rt.now(),
		Attempts:   attempts,
	}
	step.CollapseCandidate = depth > 0 && features.RepetitionScore >= rt.cfg.ConvergenceSimilarity

	log.Debug("step recorded",
		zap.Int("depth", depth),
		zap.Int("attempts", attempts),
		zap.Float64("entropy", features.Entropy),
		zap.Float64("causal_link", features.CausalLinkScore),
		zap.Float64("repetition", features.RepetitionScore),
	)
	return step, nil
}

// complete returns when the adapter does or when ctx ends, whichever comes first.
// An adapter that ignores ctx is abandoned at the deadline; its late answer is dropped.
func complete(ctx context.Context, a adapter.Adapter, req adapter.Request) (adapter.Completion, error) {
	type answer struct {
		comp adapter.Completion
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		comp, err := a.Complete(ctx, req)
		done <- answer{comp, err}
	}()

	select {
	case ans := <-done:
		return ans.comp, ans.err
	case <-ctx.Done():
		return adapter.Completion{}, adapter.TransientError("complete", fmt.Errorf("step timeout: %w", context.Cause(ctx)))
	}
}

func (rt *Runtime) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rt.cfg.RetryBackoff
	b.MaxInterval = rt.cfg.MaxBackoff
	return b
}

// turns converts prior steps into the adapter's conversational context.
func turns(steps []trace.Step) []adapter.Turn {
	out := make([]adapter.Turn, len(steps))
	for i, s := range steps {
		out[i] = adapter.Turn{Prompt: s.Prompt, Completion: s.Completion}
	}
	return out
}

// #endregion step
