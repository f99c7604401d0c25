package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mistakeknot/querydesk/internal/core"
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querydesk_fanout_published_total",
		Help: "Notifications accepted for delivery by kind",
	}, []string{"kind"})

	deliveryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querydesk_fanout_delivery_errors_total",
		Help: "Failed sends by delivery path",
	}, []string{"channel"})

	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querydesk_fanout_dropped_total",
		Help: "Notifications dropped because the queue was full",
	})
)

// Notifier accepts completed-transition notifications. Implementations must
// not block the caller on delivery.
type Notifier interface {
	Publish(n core.Notification)
}

// Transport pushes envelopes to per-user and per-role rooms.
type Transport interface {
	SendToUser(ctx context.Context, userID string, env Envelope) error
	SendToRole(ctx context.Context, role core.Role, env Envelope) error
}

// Discard drops every notification.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Publish(core.Notification) {}

// Fanout queues notifications and delivers them from a single worker so a
// slow transport never stalls the request that triggered the transition.
type Fanout struct {
	transports []Transport
	logger     *slog.Logger
	queue      chan core.Notification

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Fanout over the given transports. Call Start before Publish
// for deliveries to happen.
func New(logger *slog.Logger, buffer int, transports ...Transport) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Fanout{
		transports: transports,
		logger:     logger.With("component", "fanout"),
		queue:      make(chan core.Notification, buffer),
	}
}

// Publish enqueues n. A full queue drops the notification; clients heal the
// gap on their next reconciliation poll.
func (f *Fanout) Publish(n core.Notification) {
	select {
	case f.queue <- n:
		published.WithLabelValues(string(n.Kind)).Inc()
	default:
		dropped.Inc()
		f.logger.Warn("queue full, dropping notification", "id", n.ID, "kind", n.Kind)
	}
}

// Start launches the delivery worker.
func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx, f.done)
}

func (f *Fanout) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case n := <-f.queue:
			f.deliverLogged(ctx, n)
		}
	}
}

// drain flushes what is already queued on shutdown, without a deadline from
// the cancelled context.
func (f *Fanout) drain() {
	for {
		select {
		case n := <-f.queue:
			f.deliverLogged(context.Background(), n)
		default:
			return
		}
	}
}

// Stop cancels the worker and waits for it to flush the queue.
func (f *Fanout) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *Fanout) deliverLogged(ctx context.Context, n core.Notification) {
	if err := f.Deliver(ctx, n); err != nil {
		f.logger.Warn("delivery incomplete", "id", n.ID, "kind", n.Kind, "error", err)
	}
}

// Deliver sends n synchronously: targeted rooms first, then the broadcast
// rooms as the redundancy path. Every transport is attempted even when an
// earlier send fails.
func (f *Fanout) Deliver(ctx context.Context, n core.Notification) error {
	targeted, broadcast, err := Envelopes(n)
	if err != nil {
		return err
	}
	var errs []error
	if targeted != nil {
		for _, userID := range n.Targets {
			for _, t := range f.transports {
				if err := t.SendToUser(ctx, userID, *targeted); err != nil {
					deliveryErrors.WithLabelValues(ChannelTargeted).Inc()
					errs = append(errs, err)
				}
			}
		}
	}
	if broadcast != nil {
		for _, role := range n.Roles {
			for _, t := range f.transports {
				if err := t.SendToRole(ctx, role, *broadcast); err != nil {
					deliveryErrors.WithLabelValues(ChannelBroadcast).Inc()
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
