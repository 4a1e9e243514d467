package adapter

import (
	"errors"
	"fmt"
)

// #region kind

// Kind says whether an adapter failure is worth retrying.
type Kind string

const (
	Transient Kind = "transient" // network, timeout, rate limit
	Permanent Kind = "permanent" // invalid request, policy refusal
)

// #endregion kind

// #region error

// Error is the typed failure every adapter returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s adapter error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s adapter error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable failure.
func TransientError(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// PermanentError wraps err as a non-retryable failure.
func PermanentError(op string, err error) error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// #endregion error

// #region classify

// KindOf classifies err. Anything that is not an *Error, including a
// per-call deadline, is treated as transient.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == Permanent
}

// #endregion classify
