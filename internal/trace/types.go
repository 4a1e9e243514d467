package trace

import (
	"slices"
	"time"
)

// #region status

// Status is the terminal status of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the three terminal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// #endregion status

// #region token-prob

// TokenProb is the probability information reported for one generated token.
type TokenProb struct {
	Token string    `json:"token"`
	Prob  float64   `json:"prob"`          // probability of the emitted token
	TopK  []float64 `json:"top,omitempty"` // top-k alternatives incl. the emitted token, any order
}

// #endregion token-prob

// #region features

// Features is the fixed feature vector extracted from one step.
type Features struct {
	Entropy         float64   `json:"entropy"`         // mean per-token entropy, bits
	TokenEntropies  []float64 `json:"token_entropies"` // per-token entropy, bits
	Divergence      *float64  `json:"divergence"`      // nil at depth 0
	CausalLinkScore float64   `json:"causal_link_score"`
	RepetitionScore float64   `json:"repetition_score"`
}

// #endregion features

// #region step

// Step records one recursion depth.
type Step struct {
	Depth             int         `json:"depth"`
	Prompt            string      `json:"prompt"`
	Completion        string      `json:"completion"`
	Tokens            []TokenProb `json:"tokens,omitempty"`
	Features          Features    `json:"features"`
	Timestamp         time.Time   `json:"timestamp"`
	Attempts          int         `json:"attempts"`
	CollapseCandidate bool        `json:"collapse_candidate"` // set when the convergence detector fired here
}

// clone copies s so that no slice or pointer is shared with the original.
// nil slices stay nil.
func (s Step) clone() Step {
	out := s
	out.Tokens = slices.Clone(s.Tokens)
	for i := range out.Tokens {
		out.Tokens[i].TopK = slices.Clone(s.Tokens[i].TopK)
	}
	out.Features.TokenEntropies = slices.Clone(s.Features.TokenEntropies)
	if s.Features.Divergence != nil {
		d := *s.Features.Divergence
		out.Features.Divergence = &d
	}
	return out
}

// #endregion step

// #region cause

// CauseKind classifies why a run did not complete.
type CauseKind string

const (
	CauseTransientExhausted CauseKind = "transient_exhausted"
	CausePermanent          CauseKind = "permanent"
	CauseCancelled          CauseKind = "cancelled"
	CauseInternal           CauseKind = "internal"
)

// Cause is the structured reason attached to a Failed or Cancelled trace.
type Cause struct {
	Depth   int       `json:"depth"`
	Kind    CauseKind `json:"kind"`
	Message string    `json:"message"`
}

// #endregion cause
