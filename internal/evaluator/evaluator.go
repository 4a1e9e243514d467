package evaluator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/coherence"
	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/metrics"
	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/shell"
	"github.com/danielpatrickdp/residue-eval/internal/signals"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region options

// Options configures an Evaluator. Zero values get working defaults.
type Options struct {
	Thresholds config.Thresholds
	Runtime    config.RuntimeConfig
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
	NewID      func() string
}

// #endregion options

// #region evaluator

// Evaluator runs every (probe, shell) pair of a protocol on a bounded pool.
type Evaluator struct {
	registry *shell.Registry
	opts     Options
	logger   *zap.Logger
}

// New creates an Evaluator over registry.
func New(registry *shell.Registry, opts Options) *Evaluator {
	if opts.Thresholds == (config.Thresholds{}) {
		opts.Thresholds = config.DefaultThresholds()
	}
	if opts.Runtime.Workers < 1 {
		opts.Runtime.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// #endregion evaluator

// #region evaluate

// Evaluate validates p and starts every run. Results stream on the returned channel
// as runs finish, in no particular order; it closes after the last one.
// A definition problem is returned as *protocol.DefinitionError before any adapter call.
func (e *Evaluator) Evaluate(ctx context.Context, p *protocol.Protocol, a adapter.Adapter) (<-chan Result, error) {
	if err := protocol.Validate(p, e.registry, e.opts.Thresholds); err != nil {
		return nil, err
	}
	reg, err := e.registry.Extend(p)
	if err != nil {
		return nil, fmt.Errorf("register custom shells: %w", err)
	}

	if e.opts.Runtime.RatePerSecond > 0 {
		a = adapter.NewLimited(a, e.opts.Runtime.RatePerSecond, e.opts.Runtime.Burst)
	}

	jobs := p.Jobs()
	out := make(chan Result, len(jobs))

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if e.opts.Runtime.Budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Runtime.Budget)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.logger.Info("evaluation started",
		zap.String("protocol", p.Name),
		zap.Int("runs", len(jobs)),
		zap.Int("workers", e.opts.Runtime.Workers),
	)

	go func() {
		defer close(out)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(e.opts.Runtime.Workers)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				out <- e.run(runCtx, reg, job, a)
				return nil
			})
		}
		_ = g.Wait()
		e.logger.Info("evaluation finished", zap.String("protocol", p.Name))
	}()
	return out, nil
}

// run executes one job and scores it.
func (e *Evaluator) run(ctx context.Context, reg *shell.Registry, job protocol.Job, a adapter.Adapter) Result {
	th := job.Probe.EffectiveThresholds(e.opts.Thresholds)
	started := e.opts.Clock()

	sh, err := reg.New(job.Shell, job.Probe)
	if err != nil {
		tr := trace.New("", job.Probe.ID, job.Shell, th.MaxDepth)
		cause := &trace.Cause{Kind: trace.CauseInternal, Message: err.Error()}
		_ = tr.Finalize(trace.StatusFailed, cause, false)
		return Result{ProbeID: job.Probe.ID, Domain: job.Probe.Domain, Shell: job.Shell, Trace: tr,
			Status: trace.StatusFailed, Cause: cause, StartedAt: started}
	}

	rt := shell.NewRuntime(shell.ConfigFrom(th), shell.Deps{
		Logger:    e.logger,
		Metrics:   e.opts.Metrics,
		Extractor: signals.NewExtractor(signals.ConfigFrom(th)),
		Clock:     e.opts.Clock,
		NewID:     e.opts.NewID,
	})
	tr := rt.Run(ctx, sh, a)

	tracker := residue.NewTracker(residue.ConfigFrom(th))
	res := Result{
		RunID:     tr.RunID(),
		ProbeID:   job.Probe.ID,
		Domain:    job.Probe.Domain,
		Shell:     job.Shell,
		Trace:     tr,
		Residue:   tracker.Classify(tr),
		Status:    tr.Status(),
		Cause:     tr.Cause(),
		StartedAt: started,
		Duration:  e.opts.Clock().Sub(started),
	}
	for kind, n := range residue.CountByKind(res.Residue) {
		e.opts.Metrics.ResidueEvents(string(kind), n)
	}

	e.score(&res, tr, coherence.NewScorer(coherence.ConfigFrom(th), tracker))
	return res
}

// score attaches Δp to a completed result. A trace the scorer refuses turns the
// result into an internal failure, keeping Score non-nil exactly for Completed.
func (e *Evaluator) score(res *Result, tr *trace.Trace, scorer *coherence.Scorer) {
	if res.Status != trace.StatusCompleted {
		return
	}
	sc, err := scorer.Score(tr)
	if err != nil {
		e.logger.Error("score completed run", zap.String("run_id", res.RunID), zap.Error(err))
		res.Status = trace.StatusFailed
		res.Cause = &trace.Cause{Depth: tr.Len(), Kind: trace.CauseInternal, Message: err.Error()}
		return
	}
	res.Score = &sc
	e.opts.Metrics.DeltaP(res.Domain, sc.DeltaP)
}

// #endregion evaluate

// #region collect

// Collect drains results until the channel closes.
func Collect(results <-chan Result) []Result {
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}

// Aggregate computes per-domain summaries sorted by domain. results are not modified.
func Aggregate(results []Result) []DomainSummary {
	byDomain := make(map[string]*DomainSummary)
	sums := make(map[string]float64)
	for _, r := range results {
		s, ok := byDomain[r.Domain]
		if !ok {
			s = &DomainSummary{Domain: r.Domain, Residue: residue.CountByKind(nil)}
			byDomain[r.Domain] = s
		}
		s.Runs++
		switch r.Status {
		case trace.StatusCompleted:
			s.Completed++
			if r.Score != nil {
				sums[r.Domain] += r.Score.DeltaP
			}
		case trace.StatusCancelled:
			s.Cancelled++
		case trace.StatusFailed:
			s.Failed++
		}
		for _, ev := range r.Residue {
			s.Residue[ev.Kind]++
		}
	}

	out := make([]DomainSummary, 0, len(byDomain))
	for domain, s := range byDomain {
		if s.Completed > 0 {
			s.MeanDeltaP = sums[domain] / float64(s.Completed)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// #endregion collect
