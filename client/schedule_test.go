package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mistakeknot/querydesk/pkg/clock"
)

func TestSchedulerAfter(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(fc)
	fired := 0
	s.After(30*time.Second, func() { fired++ })

	fc.Advance(29 * time.Second)
	assert.Equal(t, 0, fired)
	fc.Advance(time.Second)
	assert.Equal(t, 1, fired)
	fc.Advance(time.Minute)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerCancel(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(fc)
	fired := false
	id := s.After(time.Second, func() { fired = true })
	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	fc.Advance(time.Minute)
	assert.False(t, fired)
}

func TestSchedulerEvery(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(fc)
	runs := 0
	id := s.Every(10*time.Second, func() { runs++ })
	for i := 0; i < 3; i++ {
		fc.Advance(10 * time.Second)
	}
	assert.Equal(t, 3, runs)

	s.Cancel(id)
	fc.Advance(10 * time.Second)
	assert.Equal(t, 3, runs)
}

func TestSchedulerCloseCancelsEverything(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(fc)
	runs := 0
	s.Every(time.Second, func() { runs++ })
	s.After(time.Second, func() { runs++ })
	s.Close()

	fc.Advance(time.Minute)
	assert.Equal(t, 0, runs)
	assert.Equal(t, 0, fc.Pending())
	assert.Equal(t, TaskID(0), s.After(time.Second, func() { runs++ }))
}
