package client

import (
	"sync"
	"time"

	"github.com/mistakeknot/querydesk/pkg/clock"
)

// TaskID names a scheduled task for Cancel.
type TaskID uint64

// Scheduler runs one-shot and repeating tasks on a clock. Close cancels
// everything still scheduled, so tearing down the owner never leaves a
// timer behind.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	next   TaskID
	tasks  map[TaskID]clock.Timer
	closed bool
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{clock: c, tasks: make(map[TaskID]clock.Timer)}
}

// After runs fn once after d. It returns 0 when the scheduler is closed.
func (s *Scheduler) After(d time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.next++
	id := s.next
	s.tasks[id] = s.clock.AfterFunc(d, func() {
		if !s.finish(id) {
			return
		}
		fn()
	})
	return id
}

// Every runs fn every d until cancelled. Runs never overlap: the next one
// is armed after fn returns.
func (s *Scheduler) Every(d time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.next++
	id := s.next
	s.arm(id, d, fn)
	return id
}

// arm requires s.mu.
func (s *Scheduler) arm(id TaskID, d time.Duration, fn func()) {
	s.tasks[id] = s.clock.AfterFunc(d, func() {
		if !s.live(id) {
			return
		}
		fn()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[id]; ok && !s.closed {
			s.arm(id, d, fn)
		}
	})
}

func (s *Scheduler) live(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok && !s.closed
}

// finish removes a one-shot task and reports whether it was still live.
func (s *Scheduler) finish(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok || s.closed {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Cancel stops a task. It reports false when the task already ran or was
// cancelled.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	delete(s.tasks, id)
	t.Stop()
	return true
}

// Len counts live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task. Later After and Every calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.tasks {
		t.Stop()
		delete(s.tasks, id)
	}
}
