package wsadapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// Attempt is a single unit of retryable work: one HTTP round trip (token
// fetch, entitlement create, or entitlement update).
type Attempt func(ctx context.Context) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logRetry(log *zerolog.Logger, op string, attempt int, err error) {
	if log == nil {
		return
	}
	log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying web service request")
}

// BoundedBudget retries fn until it succeeds, returns a non-retryable
// error, or budget elapses, sleeping short between attempts. This is the
// schedule for requests with no license deadline: entitlement session
// creation (activation), node-locked bootstrap, health reports (with the
// health retry timeout and sleep as budget and short), and session close.
func BoundedBudget(ctx context.Context, log *zerolog.Logger, op string, budget, short time.Duration, fn Attempt) error {
	deadline := time.Now().Add(budget)
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if time.Now().Add(short).After(deadline) {
			return drmerrors.Wrap(drmerrors.KindWSTimedOut, op, err)
		}
		logRetry(log, op, attempt, err)
		if werr := sleepCtx(ctx, short); werr != nil {
			return drmerrors.Wrap(drmerrors.KindWSMayRetry, op, werr)
		}
	}
}

// TwoTier retries fn, sleeping long between attempts while the license
// deadline is comfortably far away and switching to short once it is
// within long+2*short of expiring. This is the schedule for license
// renewal, which must keep racing the clock on the currently-installed
// license rather than a fixed budget.
func TwoTier(ctx context.Context, log *zerolog.Logger, op string, deadline time.Time, long, short time.Duration, fn Attempt) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return drmerrors.Wrap(drmerrors.KindWSTimedOut, op, err)
		}
		sleep := short
		if remaining > long+2*short {
			sleep = long
		}
		if sleep > remaining {
			sleep = remaining
		}
		logRetry(log, op, attempt, err)
		if werr := sleepCtx(ctx, sleep); werr != nil {
			return drmerrors.Wrap(drmerrors.KindWSMayRetry, op, werr)
		}
	}
}
