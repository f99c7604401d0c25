package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/querydesk/pkg/clock"
)

// PendingExpirer expires unclaimed queries. *claim.Arbiter satisfies it.
type PendingExpirer interface {
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

// SweeperConfig sets the sweep cadence and the two timeouts it enforces.
// A zero PendingTTL disables query expiry.
type SweeperConfig struct {
	Interval    time.Duration
	TransferTTL time.Duration
	PendingTTL  time.Duration
}

// Sweeper periodically times out stale transfer requests and expires
// pending queries nobody claimed.
type Sweeper struct {
	coord   *Coordinator
	pending PendingExpirer
	cfg     SweeperConfig
	clock   clock.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(coord *Coordinator, pending PendingExpirer, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TransferTTL <= 0 {
		cfg.TransferTTL = 24 * time.Hour
	}
	return &Sweeper{
		coord:   coord,
		pending: pending,
		cfg:     cfg,
		clock:   coord.clock,
		logger:  coord.logger.With("task", "sweeper"),
	}
}

// Start launches the sweep goroutine. It sweeps once immediately.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.done != nil {
		return
	}
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	ticker := sw.clock.NewTicker(sw.cfg.Interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		sw.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				sw.RunOnce(ctx)
			}
		}
	}(sw.done)
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	cancel, done := sw.cancel, sw.done
	sw.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs a single sweep pass.
func (sw *Sweeper) RunOnce(ctx context.Context) {
	now := sw.clock.Now().UTC()

	n, err := sw.coord.SweepExpired(ctx, now.Add(-sw.cfg.TransferTTL))
	if err != nil {
		sw.logger.Error("transfer sweep failed", "error", err)
	} else if n > 0 {
		sw.logger.Info("timed out stale transfers", "count", n)
	}

	if sw.pending == nil || sw.cfg.PendingTTL <= 0 {
		return
	}
	n, err = sw.pending.ExpireStale(ctx, now.Add(-sw.cfg.PendingTTL))
	if err != nil {
		sw.logger.Error("pending expiry failed", "error", err)
	} else if n > 0 {
		sw.logger.Info("expired unclaimed queries", "count", n)
	}
}
