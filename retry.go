package revdb

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBusyRetries = 5
	DefaultBusyDelay   = 50 * time.Millisecond
)

type retryPolicy struct {
	attempts int
	delay    time.Duration
	onRetry  func()
}

func (opt *Options) retryPolicy() retryPolicy {
	p := retryPolicy{attempts: opt.BusyRetries, delay: opt.BusyDelay}
	if p.attempts <= 0 {
		p.attempts = DefaultBusyRetries
	}
	if p.delay <= 0 {
		p.delay = DefaultBusyDelay
	}
	return p
}

// retryBusy runs f until it succeeds, fails with something other than
// ErrBusy, or the attempt cap is reached. The delay between attempts
// is fixed.
func (p retryPolicy) retryBusy(op string, f func() error) error {
	attempt := 0
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.delay), uint64(p.attempts-1))
	return backoff.Retry(func() error {
		attempt++
		err := f()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBusy) {
			return backoff.Permanent(err)
		}
		if attempt < p.attempts {
			logDebug("busy, retrying", slog.String("op", op), slog.Int("attempt", attempt))
			if p.onRetry != nil {
				p.onRetry()
			}
		} else {
			logWarn("busy, giving up", slog.String("op", op), slog.Int("attempts", attempt))
		}
		return err
	}, bo)
}
