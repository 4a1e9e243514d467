package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/danielpatrickdp/residue-eval/internal/coherence"
	"github.com/danielpatrickdp/residue-eval/internal/evaluator"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region types

// Record is one run in the report.
type Record struct {
	RunID      string           `json:"run_id"`
	ProbeID    string           `json:"probe_id"`
	Domain     string           `json:"domain"`
	Shell      string           `json:"shell"`
	Status     trace.Status     `json:"status"`
	Cause      *trace.Cause     `json:"cause,omitempty"`
	Converged  bool             `json:"converged"`
	Score      *coherence.Score `json:"score,omitempty"`
	Residue    []residue.Event  `json:"residue"`
	Steps      []trace.Step     `json:"steps"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
}

// Report is the JSON document written at the end of an evaluation.
type Report struct {
	EvaluationID string                    `json:"evaluation_id,omitempty"`
	Records      []Record                  `json:"records"`
	Domains      []evaluator.DomainSummary `json:"domains"`
}

// #endregion types

// #region build

// Build assembles a report. Records are ordered by probe then shell so that
// reruns of the same protocol diff cleanly.
func Build(evaluationID string, results []evaluator.Result) Report {
	records := make([]Record, 0, len(results))
	for _, r := range results {
		rec := Record{
			RunID:      r.RunID,
			ProbeID:    r.ProbeID,
			Domain:     r.Domain,
			Shell:      r.Shell,
			Status:     r.Status,
			Cause:      r.Cause,
			Score:      r.Score,
			Residue:    r.Residue,
			StartedAt:  r.StartedAt,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Trace != nil {
			rec.Converged = r.Trace.Converged()
			rec.Steps = r.Trace.Steps()
		}
		if rec.Residue == nil {
			rec.Residue = []residue.Event{}
		}
		if rec.Steps == nil {
			rec.Steps = []trace.Step{}
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ProbeID != records[j].ProbeID {
			return records[i].ProbeID < records[j].ProbeID
		}
		return records[i].Shell < records[j].Shell
	})
	return Report{
		EvaluationID: evaluationID,
		Records:      records,
		Domains:      evaluator.Aggregate(results),
	}
}

// #endregion build

// #region write

// Write encodes rep as indented JSON.
func Write(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// Read decodes a report written by Write.
func Read(r io.Reader) (Report, error) {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// #endregion write
