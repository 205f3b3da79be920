// Package retry implements the exponential backoff policy spec.md §4.1
// describes for transient database/network failures: initial wait 1s,
// doubled each attempt up to a cap, abandoned after N attempts. It
// generalizes the teacher's inline retryDelays tables (wsprnet.go's
// buildMEPTData retry loop) into a single reusable policy.
package retry

import (
	"context"
	"time"
)

// Policy is an exponential backoff schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxAttempts int
}

// Default matches spec.md §4.1: 1s initial, capped at 60s, 5 attempts.
var Default = Policy{Initial: time.Second, Max: 60 * time.Second, MaxAttempts: 5}

// Delay returns the backoff delay slept after failed attempt n (1-indexed),
// i.e. before attempt n+1: Initial doubled n-1 times, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Do calls fn up to p.MaxAttempts times, sleeping Delay(attempt) between
// attempts, until fn returns a nil error or shouldRetry(err) is false. The
// caller decides retryability (e.g. wsprerr.IsTransient) so permanent
// failures surface immediately without waiting out the schedule. The
// attempts and the sleeps between them all happen inside Do; once
// MaxAttempts is used up it returns the last error, so the caller can divert
// (cache-on-failure) instead of retrying forever in-process.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
