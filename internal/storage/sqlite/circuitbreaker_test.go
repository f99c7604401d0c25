package sqlite

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/logging"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

var diskErr = errors.New("disk I/O error")

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *clock.FakeClock) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewCircuitBreaker(threshold, reset, WithBreakerClock(fc), WithBreakerLogger(logging.Discard())), fc
}

func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return diskErr })
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	assert.Equal(t, StateClosed, cb.State())

	tripBreaker(cb, 3)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.Equal(t, "unavailable", core.Kind(err))
	assert.False(t, called)
}

func TestBreakerIgnoresDomainOutcomes(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	for _, err := range []error{core.ErrConflict, core.ErrAlreadyClaimed, fmt.Errorf("wrap: %w", core.ErrNotFound), core.ErrAlreadyResolved} {
		got := cb.Execute(func() error { return err })
		assert.ErrorIs(t, got, err)
	}
	assert.Equal(t, StateClosed, cb.State(), "lost CAS races must not trip the breaker")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cases := []struct {
		name  string
		probe error
		want  BreakerState
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", diskErr, StateOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cb, fc := newTestBreaker(2, time.Second)
			tripBreaker(cb, 2)
			require.Equal(t, StateOpen, cb.State())

			fc.Advance(500 * time.Millisecond)
			assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

			fc.Advance(time.Second)
			_ = cb.Execute(func() error { return tc.probe })
			assert.Equal(t, tc.want, cb.State())
		})
	}
}

func TestBreakerAdmitsOneProbe(t *testing.T) {
	cb, fc := newTestBreaker(1, time.Second)
	tripBreaker(cb, 1)
	fc.Advance(time.Second)

	var nested error
	_ = cb.Execute(func() error {
		nested = cb.Execute(func() error { return nil })
		return nil
	})
	assert.ErrorIs(t, nested, ErrCircuitOpen)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	tripBreaker(cb, 2)
	_ = cb.Execute(func() error { return nil })
	tripBreaker(cb, 2)
	assert.Equal(t, StateClosed, cb.State())
}
