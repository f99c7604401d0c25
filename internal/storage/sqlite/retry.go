package sqlite

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryConfig bounds the backoff used when another connection holds the
// write lock.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64
}

// DefaultRetryConfig waits 50ms, 100ms, ... for up to 7 retries (about 6s
// in total) with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 7, BaseDelay: 50 * time.Millisecond, JitterPct: 0.25}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.BaseDelay << (attempt - 1)
	return d + time.Duration(float64(d)*rand.Float64()*c.JitterPct)
}

// retryBusy calls fn until it returns something other than a busy error,
// the retries run out, or ctx ends.
func retryBusy(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryBusyWith(ctx, cfg, fn, sleepCtx)
}

func retryBusyWith(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) error) error {
	err := fn()
	for attempt := 1; attempt <= cfg.MaxRetries && isBusy(err); attempt++ {
		if serr := sleep(ctx, cfg.delay(attempt)); serr != nil {
			return errors.Join(err, serr)
		}
		err = fn()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
// Errors that lost their driver type are matched on message.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
