package residue

import "github.com/danielpatrickdp/residue-eval/internal/config"

// #region kind

// Kind names a residue pattern.
type Kind string

const (
	AttributionVoid   Kind = "attribution_void"
	TokenHesitation   Kind = "token_hesitation"
	RecursiveCollapse Kind = "recursive_collapse"
)

// Kinds lists every residue kind in report order.
var Kinds = []Kind{AttributionVoid, TokenHesitation, RecursiveCollapse}

func (k Kind) order() int {
	switch k {
	case AttributionVoid:
		return 0
	case TokenHesitation:
		return 1
	case RecursiveCollapse:
		return 2
	}
	return 3
}

// #endregion kind

// #region event

// Event is one classified residue pattern. Depth..EndDepth is the inclusive step range;
// TokenStart..TokenEnd (end exclusive) is set for hesitation only.
type Event struct {
	Kind       Kind               `json:"kind"`
	Depth      int                `json:"depth"`
	EndDepth   int                `json:"end_depth"`
	TokenStart int                `json:"token_start,omitempty"`
	TokenEnd   int                `json:"token_end,omitempty"`
	Severity   float64            `json:"severity"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// #endregion event

// #region config

// Config holds the classification thresholds.
type Config struct {
	VoidThreshold       float64
	HesitationEntropy   float64
	HesitationRunLength int
	CollapseRepetition  float64
}

// ConfigFrom picks the tracker's thresholds out of the engine-wide set.
func ConfigFrom(t config.Thresholds) Config {
	return Config{
		VoidThreshold:       t.VoidThreshold,
		HesitationEntropy:   t.HesitationEntropy,
		HesitationRunLength: t.HesitationRunLength,
		CollapseRepetition:  t.CollapseRepetition,
	}
}

// #endregion config
