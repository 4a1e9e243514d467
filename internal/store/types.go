package store

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/residue-eval/internal/coherence"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// #region run-types
// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	EvaluationID string        `json:"evaluation_id"`
	ProbeID      string        `json:"probe_id"`
	Domain       string        `json:"domain"`
	Shell        string        `json:"shell"`
	Status       trace.Status  `json:"status"`
	DeltaP       *float64      `json:"delta_p,omitempty"`
	Steps        int           `json:"steps"`
	Events       int           `json:"events"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// RunDetail is a run with everything recorded about it.
type RunDetail struct {
	RunSummary
	Converged bool             `json:"converged"`
	Cause     *trace.Cause     `json:"cause,omitempty"`
	Score     *coherence.Score `json:"score,omitempty"`
	StepList  []trace.Step     `json:"step_list"`
	Residue   []residue.Event  `json:"residue"`
}
// #endregion run-types
