package adapter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// #region limited

// Limited gates every call to the wrapped adapter on a shared token bucket.
// One Limited value is shared by all concurrent runs against the same backend.
type Limited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewLimited wraps next with a limiter allowing perSecond calls and the given burst.
// perSecond <= 0 disables limiting.
func NewLimited(next Adapter, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Complete waits for a rate-limit token, then delegates.
func (l *Limited) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := l.Admit(ctx); err != nil {
		return Completion{}, err
	}
	return l.next.Complete(ctx, req)
}

// Admit waits for a rate-limit token.
func (l *Limited) Admit(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait fails fast when the deadline cannot accommodate the reservation.
		return TransientError("rate limit", fmt.Errorf("wait: %w", err))
	}
	return nil
}

// Unwrap returns the rate-limited adapter.
func (l *Limited) Unwrap() Adapter { return l.next }

// #endregion limited
