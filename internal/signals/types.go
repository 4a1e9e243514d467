package signals

import (
	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region config

// ExtractorConfig holds tuning knobs for feature computation.
type ExtractorConfig struct {
	ProfileRanks int // ranks kept in a rank profile before the tail bucket
	VocabSize    int // outcomes the unreported probability mass is spread across
}

// DefaultExtractorConfig returns sensible defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{ProfileRanks: 8, VocabSize: config.DefaultThresholds().VocabSize}
}

// ConfigFrom picks the extractor settings out of the engine-wide thresholds.
func ConfigFrom(t config.Thresholds) ExtractorConfig {
	c := DefaultExtractorConfig()
	c.VocabSize = t.VocabSize
	return c
}

// #endregion config

// #region input

// StepInput bundles what the runtime knows about the step being scored.
type StepInput struct {
	Depth      int
	Prompt     string
	Completion string
	Tokens     []trace.TokenProb
}

// #endregion input
