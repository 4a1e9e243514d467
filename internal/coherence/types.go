package coherence

import (
	"fmt"

	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region score

// Score is the Δ-p coherence breakdown of one completed trace.
type Score struct {
	Stability   float64 `json:"stability"`   // S
	Integration float64 `json:"integration"` // F
	Boundary    float64 `json:"boundary"`    // B
	Lambda      float64 `json:"lambda"`      // recursion depth reached before collapse
	DeltaP      float64 `json:"delta_p"`     // S·F·B·λ
}

// #endregion score

// #region config

// Config holds the scorer's thresholds.
type Config struct {
	IntegrationThreshold float64
	CollapseRepetition   float64
}

// ConfigFrom picks the scorer's thresholds out of the engine-wide set.
func ConfigFrom(t config.Thresholds) Config {
	return Config{
		IntegrationThreshold: t.IntegrationThreshold,
		CollapseRepetition:   t.CollapseRepetition,
	}
}

// #endregion config

// #region errors

// PreconditionError reports an attempt to score a trace that is not a
// finalized, completed, non-empty trace.
type PreconditionError struct {
	RunID  string
	Status trace.Status
	Steps  int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("coherence: run %s not scorable (status=%q, steps=%d)", e.RunID, e.Status, e.Steps)
}

// #endregion errors
