package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// #region load

// Load reads a YAML (.yaml/.yml) or TOML (.toml) file on top of DefaultConfig.
// Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// #endregion load

// #region env

// ApplyEnv overrides selected fields from environment variables.
func (c *Config) ApplyEnv() {
	c.Store.Path = envOr("RESIDUE_DB", c.Store.Path)
	c.Adapter.Addr = envOr("MODEL_ADDR", c.Adapter.Addr)
	c.Adapter.Model = envOr("MODEL_NAME", c.Adapter.Model)
	c.Adapter.BaseURL = envOr("MODEL_BASE_URL", c.Adapter.BaseURL)
	if v := os.Getenv("RESIDUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Runtime.Workers = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion env

// #region validate

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Runtime.Workers < 1 {
		return fmt.Errorf("runtime.workers must be >= 1, got %d", c.Runtime.Workers)
	}
	if c.Runtime.RatePerSecond < 0 {
		return fmt.Errorf("runtime.rate_per_second must be >= 0, got %f", c.Runtime.RatePerSecond)
	}
	if c.Runtime.RatePerSecond > 0 && c.Runtime.Burst < 1 {
		return fmt.Errorf("runtime.burst must be >= 1 when rate limiting, got %d", c.Runtime.Burst)
	}
	switch c.Adapter.Kind {
	case "grpc", "openai":
	default:
		return fmt.Errorf("adapter.kind must be grpc or openai, got %q", c.Adapter.Kind)
	}
	return nil
}

// Validate checks that every threshold is in range.
func (t Thresholds) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %f", name, v))
		}
	}
	unit("void_threshold", t.VoidThreshold)
	unit("collapse_repetition", t.CollapseRepetition)
	unit("integration_threshold", t.IntegrationThreshold)
	unit("convergence_similarity", t.ConvergenceSimilarity)
	if t.HesitationEntropy <= 0 {
		errs = append(errs, fmt.Errorf("hesitation_entropy must be > 0, got %f", t.HesitationEntropy))
	}
	if t.VocabSize < 2 {
		errs = append(errs, fmt.Errorf("vocab_size must be >= 2, got %d", t.VocabSize))
	} else if ceiling := math.Log2(float64(t.VocabSize)); t.HesitationEntropy >= ceiling {
		errs = append(errs, fmt.Errorf("hesitation_entropy %f is unreachable: a %d-token vocabulary peaks at %.3f bits",
			t.HesitationEntropy, t.VocabSize, ceiling))
	}
	if t.HesitationRunLength < 1 {
		errs = append(errs, fmt.Errorf("hesitation_run_length must be >= 1, got %d", t.HesitationRunLength))
	}
	if t.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 1, got %d", t.MaxDepth))
	}
	if t.TimeoutPerStep <= 0 {
		errs = append(errs, fmt.Errorf("timeout_per_step must be > 0, got %s", t.TimeoutPerStep))
	}
	if t.RetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must be > 0, got %s", t.RetryBackoff))
	}
	if t.MaxBackoff < t.RetryBackoff {
		errs = append(errs, fmt.Errorf("max_backoff %s must be >= retry_backoff %s", t.MaxBackoff, t.RetryBackoff))
	}
	if t.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", t.MaxRetries))
	}
	return errors.Join(errs...)
}

// #endregion validate

// #region apply

// Apply returns a copy of t with every non-nil override applied.
func (t Thresholds) Apply(o Overrides) Thresholds {
	out := t
	if o.VoidThreshold != nil {
		out.VoidThreshold = *o.VoidThreshold
	}
	if o.HesitationEntropy != nil {
		out.HesitationEntropy = *o.HesitationEntropy
	}
	if o.VocabSize != nil {
		out.VocabSize = *o.VocabSize
	}
	if o.HesitationRunLength != nil {
		out.HesitationRunLength = *o.HesitationRunLength
	}
	if o.CollapseRepetition != nil {
		out.CollapseRepetition = *o.CollapseRepetition
	}
	if o.IntegrationThreshold != nil {
		out.IntegrationThreshold = *o.IntegrationThreshold
	}
	if o.ConvergenceSimilarity != nil {
		out.ConvergenceSimilarity = *o.ConvergenceSimilarity
	}
	if o.TimeoutPerStep != nil {
		out.TimeoutPerStep = *o.TimeoutPerStep
	}
	if o.RetryBackoff != nil {
		out.RetryBackoff = *o.RetryBackoff
	}
	if o.MaxBackoff != nil {
		out.MaxBackoff = *o.MaxBackoff
	}
	if o.MaxRetries != nil {
		out.MaxRetries = *o.MaxRetries
	}
	return out
}

// #endregion apply
