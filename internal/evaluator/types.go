package evaluator

import (
	"time"

	"github.com/danielpatrickdp/residue-eval/internal/coherence"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region result

// Result is the outcome of one (probe, shell) run.
// Score is non-nil exactly when Status is completed. Status is failed, with an
// internal cause, when a completed trace could not be scored.
type Result struct {
	RunID     string
	ProbeID   string
	Domain    string
	Shell     string
	Trace     *trace.Trace
	Score     *coherence.Score
	Residue   []residue.Event
	Status    trace.Status
	Cause     *trace.Cause
	StartedAt time.Time
	Duration  time.Duration
}

// #endregion result

// #region summary

// DomainSummary aggregates the results of one domain.
type DomainSummary struct {
	Domain     string               `json:"domain"`
	Runs       int                  `json:"runs"`
	Completed  int                  `json:"completed"`
	Cancelled  int                  `json:"cancelled"`
	Failed     int                  `json:"failed"`
	MeanDeltaP float64              `json:"mean_delta_p"` // over completed runs; 0 when none
	Residue    map[residue.Kind]int `json:"residue"`
}

// #endregion summary
