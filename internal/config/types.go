package config

import "time"

// #region thresholds

// Thresholds holds every numeric knob of the recursion engine.
// All of them may be overridden per probe via Overrides.
type Thresholds struct {
	VoidThreshold         float64       `yaml:"void_threshold" toml:"void_threshold"`                 // causal link below this → attribution void
	HesitationEntropy     float64       `yaml:"hesitation_entropy" toml:"hesitation_entropy"`         // bits
	VocabSize             int           `yaml:"vocab_size" toml:"vocab_size"`                         // unreported mass is spread over vocab_size minus reported
	HesitationRunLength   int           `yaml:"hesitation_run_length" toml:"hesitation_run_length"`   // min consecutive tokens
	CollapseRepetition    float64       `yaml:"collapse_repetition" toml:"collapse_repetition"`       // repetition above this is a boundary violation
	IntegrationThreshold  float64       `yaml:"integration_threshold" toml:"integration_threshold"`   // causal link above this counts for F
	ConvergenceSimilarity float64       `yaml:"convergence_similarity" toml:"convergence_similarity"` // repetition at/above this stops the run
	MaxDepth              int           `yaml:"max_depth" toml:"max_depth"`
	TimeoutPerStep        time.Duration `yaml:"timeout_per_step" toml:"timeout_per_step"`
	RetryBackoff          time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxBackoff            time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	MaxRetries            int           `yaml:"max_retries" toml:"max_retries"`
}

// DefaultThresholds returns the uncalibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VoidThreshold:         0.3,
		HesitationEntropy:     4.5,
		VocabSize:             100000,
		HesitationRunLength:   3,
		CollapseRepetition:    0.9,
		IntegrationThreshold:  0.4,
		ConvergenceSimilarity: 0.95,
		MaxDepth:              5,
		TimeoutPerStep:        30 * time.Second,
		RetryBackoff:          200 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		MaxRetries:            3,
	}
}

// #endregion thresholds

// #region overrides

// Overrides is a sparse set of per-probe threshold replacements. Nil fields keep the base value.
type Overrides struct {
	VoidThreshold         *float64       `yaml:"void_threshold" toml:"void_threshold"`
	HesitationEntropy     *float64       `yaml:"hesitation_entropy" toml:"hesitation_entropy"`
	VocabSize             *int           `yaml:"vocab_size" toml:"vocab_size"`
	HesitationRunLength   *int           `yaml:"hesitation_run_length" toml:"hesitation_run_length"`
	CollapseRepetition    *float64       `yaml:"collapse_repetition" toml:"collapse_repetition"`
	IntegrationThreshold  *float64       `yaml:"integration_threshold" toml:"integration_threshold"`
	ConvergenceSimilarity *float64       `yaml:"convergence_similarity" toml:"convergence_similarity"`
	TimeoutPerStep        *time.Duration `yaml:"timeout_per_step" toml:"timeout_per_step"`
	RetryBackoff          *time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxBackoff            *time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	MaxRetries            *int           `yaml:"max_retries" toml:"max_retries"`
}

// #endregion overrides

// #region config

// RuntimeConfig controls the evaluator's pool, rate limit and wall-clock budget.
type RuntimeConfig struct {
	Workers       int           `yaml:"workers" toml:"workers"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second"` // 0 = unlimited
	Burst         int           `yaml:"burst" toml:"burst"`
	Budget        time.Duration `yaml:"budget" toml:"budget"` // 0 = no global deadline
}

// AdapterConfig selects and configures the model adapter.
type AdapterConfig struct {
	Kind        string `yaml:"kind" toml:"kind"` // "grpc" | "openai"
	Addr        string `yaml:"addr" toml:"addr"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	Model       string `yaml:"model" toml:"model"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	TopLogProbs int    `yaml:"top_logprobs" toml:"top_logprobs"`
}

// StoreConfig locates the SQLite result store.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LogConfig controls the zap logger built by the CLIs.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Config is the full file-level configuration.
type Config struct {
	Thresholds Thresholds    `yaml:"thresholds" toml:"thresholds"`
	Runtime    RuntimeConfig `yaml:"runtime" toml:"runtime"`
	Adapter    AdapterConfig `yaml:"adapter" toml:"adapter"`
	Store      StoreConfig   `yaml:"store" toml:"store"`
	Log        LogConfig     `yaml:"log" toml:"log"`
}

// DefaultConfig returns sensible defaults for a local run.
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Runtime: RuntimeConfig{
			Workers:       4,
			RatePerSecond: 0,
			Burst:         1,
		},
		Adapter: AdapterConfig{
			Kind:        "grpc",
			Addr:        "localhost:50051",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			TopLogProbs: 5,
		},
		Store: StoreConfig{Path: "residue.db"},
		Log:   LogConfig{Level: "info"},
	}
}

// #endregion config
