// Package wait implements bounded waits on runtime conditions. Every wait checks
// its condition once before blocking, honours its timeout and the caller's
// context, and reports expiry as a *module.TimeoutError carrying the last
// observed state.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/benaskins/modharness/internal/metrics"
	"github.com/benaskins/modharness/internal/module"
)

// DefaultInterval is the polling period used when Options.Interval is zero.
const DefaultInterval = 500 * time.Millisecond

// Condition reports whether the awaited state holds. observed describes what
// was seen and ends up in the timeout error. Returning an error keeps polling;
// wrap it with Abort to end the wait immediately.
type Condition func(ctx context.Context) (done bool, observed string, err error)

// Options describe a single wait.
type Options struct {
	Phase    module.Phase
	Awaiting string
	Timeout  time.Duration
	Interval time.Duration
}

// Abort marks err as fatal for the wait in progress.
func Abort(err error) error {
	return backoff.Permanent(err)
}

var errPending = errors.New("condition not yet satisfied")

// Poll evaluates cond every interval until it holds or the timeout elapses.
func Poll(ctx context.Context, o Options, cond Condition) error {
	interval := o.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	checkCtx := tctx
	if o.Timeout <= 0 {
		// A non-positive timeout still gets exactly one check.
		checkCtx = ctx
	}

	var (
		lastObserved string
		lastErr      error
		aborted      bool
	)
	op := func() error {
		done, observed, err := cond(checkCtx)
		if observed != "" {
			lastObserved = observed
		}
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				aborted = true
				return err
			}
			if tctx.Err() == nil {
				lastErr = err
			}
			return err
		}
		lastErr = nil
		if done {
			return nil
		}
		return errPending
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), tctx))
	switch {
	case err == nil:
		observeOK(o, start)
		return nil
	case aborted:
		metrics.ObserveWait(string(o.Phase), "error", time.Since(start))
		return fmt.Errorf("%s: awaiting %s: %w", o.Phase, o.Awaiting, err)
	}
	return expired(ctx, o, start, lastObserved, lastErr)
}

func observeOK(o Options, start time.Time) {
	metrics.ObserveWait(string(o.Phase), "ok", time.Since(start))
}

// expired builds the error for a wait whose deadline or parent context ended.
func expired(ctx context.Context, o Options, start time.Time, lastObserved string, lastErr error) error {
	if ctx.Err() != nil {
		metrics.ObserveWait(string(o.Phase), "error", time.Since(start))
		return fmt.Errorf("%s: awaiting %s: %w", o.Phase, o.Awaiting, context.Cause(ctx))
	}
	metrics.ObserveWait(string(o.Phase), "timeout", time.Since(start))
	return &module.TimeoutError{
		Phase:        o.Phase,
		Awaiting:     o.Awaiting,
		LastObserved: lastObserved,
		Timeout:      o.Timeout,
		Cause:        lastErr,
	}
}
