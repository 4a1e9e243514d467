package adapter

import (
	"context"

	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region adapter-interface

// Adapter is the single capability every model backend must provide:
// prompt plus prior context in, text plus token probabilities out.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, req Request) (Completion, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (Completion, error) {
	return f(ctx, req)
}

// Gated is implemented by wrappers that hold a call back before delegating.
// Admit blocks until one call may proceed or ctx ends; Unwrap is the adapter to
// call once admitted. Callers that detach the call from their own cancellation
// admit on the attached context first.
type Gated interface {
	Admit(ctx context.Context) error
	Unwrap() Adapter
}

// #endregion adapter-interface

// #region request

// Turn is one prior (prompt, completion) exchange shown to the model as context.
type Turn struct {
	Prompt     string
	Completion string
}

// Request bundles the prompt with the recursion context.
// ProbeID, Shell and Depth are informational; backends may ignore them.
type Request struct {
	Prompt  string
	History []Turn
	ProbeID string
	Shell   string
	Depth   int
}

// #endregion request

// #region completion

// Completion is the adapter's answer.
type Completion struct {
	Text   string
	Tokens []trace.TokenProb
}

// #endregion completion
