package trace

import (
	"errors"
	"fmt"
	"sync"
)

// #region errors

var (
	// ErrFinalized is returned when appending to a finalized trace.
	ErrFinalized = errors.New("trace finalized")
	// ErrDepthExceeded is returned when an append would exceed MaxDepth.
	ErrDepthExceeded = errors.New("trace depth exceeded")
)

// #endregion errors

// #region trace

// Trace is the ordered sequence of steps for one (shell, run) pair.
// It is append-only until Finalize and immutable afterwards.
type Trace struct {
	mu        sync.RWMutex
	runID     string
	probeID   string
	shell     string
	maxDepth  int
	steps     []Step
	status    Status
	cause     *Cause
	converged bool
	finalized bool
}

// New creates an empty, open trace.
func New(runID, probeID, shell string, maxDepth int) *Trace {
	return &Trace{
		runID:    runID,
		probeID:  probeID,
		shell:    shell,
		maxDepth: maxDepth,
		steps:    make([]Step, 0, maxDepth),
	}
}

// #endregion trace

// #region append

// Append adds the next step. The step's depth must equal the current length.
func (t *Trace) Append(s Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return ErrFinalized
	}
	if len(t.steps) >= t.maxDepth {
		return fmt.Errorf("append depth %d: %w (max %d)", s.Depth, ErrDepthExceeded, t.maxDepth)
	}
	if s.Depth != len(t.steps) {
		return fmt.Errorf("append depth %d: expected depth %d", s.Depth, len(t.steps))
	}
	t.steps = append(t.steps, s.clone())
	return nil
}

// #endregion append

// #region finalize

// Finalize sets the terminal status and freezes the trace. Only the first call takes effect.
// converged marks a completed run that stopped on degenerate convergence.
func (t *Trace) Finalize(status Status, cause *Cause, converged bool) error {
	if !status.Valid() {
		return fmt.Errorf("finalize: invalid status %q", status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return ErrFinalized
	}
	t.status = status
	t.cause = cause
	t.converged = converged && status == StatusCompleted
	t.finalized = true
	return nil
}

// #endregion finalize

// #region accessors

func (t *Trace) RunID() string   { return t.runID }
func (t *Trace) ProbeID() string { return t.probeID }
func (t *Trace) Shell() string   { return t.shell }
func (t *Trace) MaxDepth() int   { return t.maxDepth }

// Steps returns a deep copy of the recorded steps.
func (t *Trace) Steps() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = s.clone()
	}
	return out
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.steps)
}

// Last returns the most recent step, if any.
func (t *Trace) Last() (Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.steps) == 0 {
		return Step{}, false
	}
	return t.steps[len(t.steps)-1].clone(), true
}

// Status returns the terminal status, or "" while the run is open.
func (t *Trace) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Cause returns the failure or cancellation cause, if any.
func (t *Trace) Cause() *Cause {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cause == nil {
		return nil
	}
	c := *t.cause
	return &c
}

// Converged reports whether the run stopped on degenerate convergence.
func (t *Trace) Converged() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.converged
}

// Finalized reports whether the trace is immutable.
func (t *Trace) Finalized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finalized
}

// #endregion accessors
