package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string              `json:"description"`
	Protocol    string              `json:"protocol"` // YAML file, relative to the fixture
	Thresholds  FixtureThresholds   `json:"thresholds"`
	Workers     int                 `json:"workers"`
	Completions []FixtureCompletion `json:"completions"`
	Expected    []FixtureExpected   `json:"expected"`

	dir string
}

// FixtureThresholds overrides the default thresholds. Durations are in milliseconds.
type FixtureThresholds struct {
	VoidThreshold         *float64 `json:"void_threshold"`
	HesitationEntropy     *float64 `json:"hesitation_entropy"`
	VocabSize             *int     `json:"vocab_size"`
	HesitationRunLength   *int     `json:"hesitation_run_length"`
	CollapseRepetition    *float64 `json:"collapse_repetition"`
	IntegrationThreshold  *float64 `json:"integration_threshold"`
	ConvergenceSimilarity *float64 `json:"convergence_similarity"`
	MaxDepth              *int     `json:"max_depth"`
	TimeoutPerStepMS      *int64   `json:"timeout_per_step_ms"`
	RetryBackoffMS        *int64   `json:"retry_backoff_ms"`
	MaxBackoffMS          *int64   `json:"max_backoff_ms"`
	MaxRetries            *int     `json:"max_retries"`
}

// FixtureCompletion scripts the model's answer for one (probe, shell, depth).
// An entry also answers every deeper depth that has no entry of its own.
// Shell "" matches any shell.
type FixtureCompletion struct {
	Probe     string            `json:"probe"`
	Shell     string            `json:"shell"`
	Depth     int               `json:"depth"`
	Text      string            `json:"text"`
	Tokens    []trace.TokenProb `json:"tokens"`
	Error     string            `json:"error"`      // "transient" | "permanent" | ""
	FailTimes int               `json:"fail_times"` // transient failures before Text is returned
}

// FixtureExpected is the expected outcome of one run. Nil fields are not checked.
type FixtureExpected struct {
	Probe     string         `json:"probe"`
	Shell     string         `json:"shell"`
	Status    trace.Status   `json:"status"`
	Steps     *int           `json:"steps"`
	Converged *bool          `json:"converged"`
	Events    map[string]int `json:"events"`
	MinDeltaP *float64       `json:"min_delta_p"`
	MaxDeltaP *float64       `json:"max_delta_p"`
	CauseKind string         `json:"cause_kind"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Protocol == "" {
		return nil, fmt.Errorf("fixture %s: protocol is required", path)
	}
	f.dir = filepath.Dir(path)
	return &f, nil
}

// LoadProtocol loads the protocol the fixture refers to.
func (f *Fixture) LoadProtocol() (*protocol.Protocol, error) {
	path := f.Protocol
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.dir, path)
	}
	return protocol.Load(path)
}

// ToThresholds resolves the fixture's overrides against the defaults.
func (ft FixtureThresholds) ToThresholds() config.Thresholds {
	t := config.DefaultThresholds().Apply(config.Overrides{
		VoidThreshold:         ft.VoidThreshold,
		HesitationEntropy:     ft.HesitationEntropy,
		VocabSize:             ft.VocabSize,
		HesitationRunLength:   ft.HesitationRunLength,
		CollapseRepetition:    ft.CollapseRepetition,
		IntegrationThreshold:  ft.IntegrationThreshold,
		ConvergenceSimilarity: ft.ConvergenceSimilarity,
		TimeoutPerStep:        millis(ft.TimeoutPerStepMS),
		RetryBackoff:          millis(ft.RetryBackoffMS),
		MaxBackoff:            millis(ft.MaxBackoffMS),
		MaxRetries:            ft.MaxRetries,
	})
	if ft.MaxDepth != nil {
		t.MaxDepth = *ft.MaxDepth
	}
	return t
}

func millis(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

// #endregion fixture-loader

// #region scripted-adapter

// ErrUnscripted is returned for a request no completion entry covers.
var ErrUnscripted = errors.New("no scripted completion")

// Adapter returns a deterministic adapter answering from the fixture's completions.
func (f *Fixture) Adapter() adapter.Adapter {
	var (
		mu       sync.Mutex
		failures = make(map[string]int)
	)
	return adapter.Func(func(_ context.Context, req adapter.Request) (adapter.Completion, error) {
		c, ok := f.lookup(req.ProbeID, req.Shell, req.Depth)
		if !ok {
			return adapter.Completion{}, adapter.PermanentError("complete",
				fmt.Errorf("%w for %s/%s depth %d", ErrUnscripted, req.ProbeID, req.Shell, req.Depth))
		}
		switch c.Error {
		case "permanent":
			return adapter.Completion{}, adapter.PermanentError("complete", errors.New(c.Text))
		case "transient":
			return adapter.Completion{}, adapter.TransientError("complete", errors.New(c.Text))
		}
		if c.FailTimes > 0 {
			key := fmt.Sprintf("%s/%s/%d", req.ProbeID, req.Shell, req.Depth)
			mu.Lock()
			n := failures[key]
			failures[key] = n + 1
			mu.Unlock()
			if n < c.FailTimes {
				return adapter.Completion{}, adapter.TransientError("complete", fmt.Errorf("scripted failure %d", n+1))
			}
		}
		return adapter.Completion{Text: c.Text, Tokens: c.Tokens}, nil
	})
}

// lookup finds the deepest entry at or below depth, preferring an exact shell match.
func (f *Fixture) lookup(probe, shell string, depth int) (FixtureCompletion, bool) {
	var best FixtureCompletion
	found := false
	score := func(c FixtureCompletion) int {
		s := c.Depth * 2
		if c.Shell == shell {
			s++
		}
		return s
	}
	for _, c := range f.Completions {
		if c.Probe != probe || c.Depth > depth || (c.Shell != "" && c.Shell != shell) {
			continue
		}
		if !found || score(c) > score(best) {
			best, found = c, true
		}
	}
	return best, found
}

// #endregion scripted-adapter
