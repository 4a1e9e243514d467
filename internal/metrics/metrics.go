package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region metrics
// Metrics groups the evaluator's Prometheus collectors. A nil *Metrics is a valid no-op sink.
type Metrics struct {
	runs      *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	residue   *prometheus.CounterVec
	deltaP    *prometheus.HistogramVec
	stepTimes prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "residue_runs_total",
			Help: "Shell runs by terminal status",
		}, []string{"shell", "status"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "residue_adapter_attempts_total",
			Help: "Adapter calls by outcome",
		}, []string{"outcome"}),
		residue: f.NewCounterVec(prometheus.CounterOpts{
			Name: "residue_events_total",
			Help: "Classified residue events by kind",
		}, []string{"kind"}),
		deltaP: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "residue_delta_p",
			Help:    "Coherence score of completed runs",
			Buckets: []float64{0.2, 0.4, 0.6, 0.8, 1},
		}, []string{"domain"}),
		stepTimes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "residue_step_duration_seconds",
			Help:    "Wall time of one recursion step including retries",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
	}
}
// #endregion metrics

// #region observe
// Adapter call outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// RunFinished counts one terminated run.
func (m *Metrics) RunFinished(shell, status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(shell, status).Inc()
}

// AdapterAttempt counts one adapter call.
func (m *Metrics) AdapterAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// ResidueEvents adds n events of the given kind.
func (m *Metrics) ResidueEvents(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.residue.WithLabelValues(kind).Add(float64(n))
}

// DeltaP records the score of a completed run.
func (m *Metrics) DeltaP(domain string, v float64) {
	if m == nil {
		return
	}
	m.deltaP.WithLabelValues(domain).Observe(v)
}

// StepDuration records the wall time of one step.
func (m *Metrics) StepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.stepTimes.Observe(d.Seconds())
}
// #endregion observe
