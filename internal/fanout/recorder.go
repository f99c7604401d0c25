package fanout

import (
	"sync"

	"github.com/mistakeknot/querydesk/internal/core"
)

// Recorder is a Notifier that keeps everything it is given.
type Recorder struct {
	mu   sync.Mutex
	sent []core.Notification
}

func (r *Recorder) Publish(n core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Notifications returns a copy of what was published, in order.
func (r *Recorder) Notifications() []core.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Notification(nil), r.sent...)
}

// Kinds lists the kinds published, in order.
func (r *Recorder) Kinds() []core.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.NotificationKind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
