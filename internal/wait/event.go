package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"

	"github.com/benaskins/modharness/internal/module"
)

// Subscribe registers a callback for runtime events and returns a function
// that removes it.
type Subscribe func(fn func(module.Event)) (cancel func())

// Match inspects one event. It reports true once the awaited condition holds;
// a non-nil error ends the wait with that error.
type Match func(module.Event) (bool, error)

// Matching adapts a plain predicate to a Match.
func Matching(pred func(module.Event) bool) Match {
	return func(ev module.Event) (bool, error) { return pred(ev), nil }
}

// Event waits for an event accepted by matches. The runtime callback only
// enqueues; matches runs on the waiting goroutine.
//
// satisfied, when non-nil, is checked after subscribing and before blocking so
// a condition that already holds returns at once, and again when the deadline
// passes to capture the last observed state.
func Event(ctx context.Context, o Options, subscribe Subscribe, matches Match, satisfied Condition) error {
	start := time.Now()
	q := queue.New(16)
	unsubscribe := subscribe(func(ev module.Event) { _ = q.Put(ev) })
	defer unsubscribe()
	defer q.Dispose()

	var (
		lastObserved string
		lastErr      error
	)
	check := func() (bool, error) {
		if satisfied == nil {
			return false, nil
		}
		done, observed, err := satisfied(ctx)
		if observed != "" {
			lastObserved = observed
		}
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return false, perm.Err
			}
			lastErr = err
			return false, nil
		}
		return done, nil
	}

	done, err := check()
	if err != nil {
		return fmt.Errorf("%s: awaiting %s: %w", o.Phase, o.Awaiting, err)
	}
	if done {
		observeOK(o, start)
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	stop := context.AfterFunc(tctx, func() { q.Dispose() })
	defer stop()

	for {
		items, err := q.Get(1)
		if err != nil || len(items) == 0 {
			break
		}
		ev, ok := items[0].(module.Event)
		if !ok {
			continue
		}
		lastObserved = ev.String()
		ok, err = matches(ev)
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				err = perm.Err
			}
			return fmt.Errorf("%s: awaiting %s: %w", o.Phase, o.Awaiting, err)
		}
		if ok {
			observeOK(o, start)
			return nil
		}
	}

	if ctx.Err() == nil {
		done, err := check()
		if err != nil {
			return fmt.Errorf("%s: awaiting %s: %w", o.Phase, o.Awaiting, err)
		}
		if done {
			observeOK(o, start)
			return nil
		}
	}
	return expired(ctx, o, start, lastObserved, lastErr)
}
