package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mistakeknot/querydesk/pkg/clock"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultAlertTTL      = 30 * time.Second
	DefaultDegradedAfter = 3
	// Notification ids are remembered this long to drop the second copy.
	dedupWindow = 5 * time.Minute
)

// API is the part of *Client a Desk needs.
type API interface {
	ListAllQueries(ctx context.Context, f QueryFilter) ([]Query, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]TransferRecord, error)
	Accept(ctx context.Context, id string) (Query, error)
	RequestTransfer(ctx context.Context, queryID, to, reason string) (TransferRecord, error)
	RespondToTransfer(ctx context.Context, transferID, decision string) (Query, error)
}

var _ API = (*Client)(nil)

// Alert is a notification shown to the user until dismissed or expired.
type Alert struct {
	ID        string
	Event     Event
	QueryID   string
	Conflict  bool
	ShownAt   time.Time
	ExpiresAt time.Time
	task      TaskID
}

type DeskOption func(*Desk)

func WithPollInterval(d time.Duration) DeskOption { return func(k *Desk) { k.pollInterval = d } }
func WithAlertTTL(d time.Duration) DeskOption     { return func(k *Desk) { k.alertTTL = d } }
func WithDegradedAfter(n int) DeskOption          { return func(k *Desk) { k.degradedAfter = n } }
func WithClock(c clock.Clock) DeskOption          { return func(k *Desk) { k.clock = c } }
func WithLogger(l *slog.Logger) DeskOption        { return func(k *Desk) { k.logger = l } }

// WithResyncLimit bounds how often pushed events may trigger an early
// refresh.
func WithResyncLimit(l *rate.Limiter) DeskOption { return func(k *Desk) { k.resync = l } }

// Desk is one user's local view of the queue. It applies pushed events
// optimistically, polls for the authoritative state on a fixed interval
// and overwrites whatever disagrees.
type Desk struct {
	api     API
	session Session

	clock         clock.Clock
	logger        *slog.Logger
	pollInterval  time.Duration
	alertTTL      time.Duration
	degradedAfter int
	resync        *rate.Limiter

	sched   *Scheduler
	flight  singleflight.Group
	changed []func()

	mu       sync.Mutex
	state    State
	seen     map[string]time.Time
	alerts   []*Alert
	failures int
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDesk(api API, session Session, opts ...DeskOption) *Desk {
	d := &Desk{
		api:           api,
		session:       session,
		pollInterval:  DefaultPollInterval,
		alertTTL:      DefaultAlertTTL,
		degradedAfter: DefaultDegradedAfter,
		state:         NewState(),
		seen:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "desk", "user", session.UserID)
	if d.resync == nil {
		d.resync = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	d.sched = NewScheduler(d.clock)
	return d
}

func (d *Desk) Session() Session { return d.session }

// OnChange registers fn to run after every local state change. Register
// before Start.
func (d *Desk) OnChange(fn func()) {
	d.changed = append(d.changed, fn)
}

// Start refreshes once and schedules the reconciliation poll. Stop, or
// cancelling ctx, ends polling and drops pending alert timers.
// A stopped desk cannot be started again.
func (d *Desk) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return errors.New("desk stopped")
	}
	if d.cancel != nil {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	pollCtx := d.ctx
	d.mu.Unlock()

	err := d.Refresh(pollCtx)
	d.sched.Every(d.pollInterval, func() {
		if pollCtx.Err() != nil {
			return
		}
		if err := d.Refresh(pollCtx); err != nil {
			d.logger.Debug("reconciliation poll failed", "error", err)
		}
	})
	go func() {
		<-pollCtx.Done()
		d.sched.Close()
	}()
	return err
}

// Stop ends polling and clears visible alerts. Events handled afterwards
// are ignored.
func (d *Desk) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	cleared := len(d.alerts) > 0
	d.alerts = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.sched.Close()
	if cleared {
		d.notify()
	}
}

// Refresh fetches the authoritative state and merges it in. Concurrent
// calls share one fetch.
func (d *Desk) Refresh(ctx context.Context) error {
	_, err, _ := d.flight.Do("refresh", func() (any, error) {
		snap, err := d.fetch(ctx)
		d.mu.Lock()
		if err != nil {
			d.failures++
			n := d.failures
			d.mu.Unlock()
			if n == d.degradedAfter {
				d.logger.Warn("reconciliation degraded", "failures", n, "error", err)
			}
			d.notify()
			return nil, err
		}
		d.failures = 0
		d.state = Merge(d.state, snap)
		d.mu.Unlock()
		d.notify()
		return nil, nil
	})
	return err
}

func (d *Desk) fetch(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: d.clock.Now()}
	if !d.session.Staff() {
		qs, err := d.api.ListAllQueries(ctx, QueryFilter{})
		if err != nil {
			return Snapshot{}, fmt.Errorf("list queries: %w", err)
		}
		snap.Queries = qs
		return snap, nil
	}

	var pending, owned []Query
	var prompts []TransferRecord
	g, gctx := errgroup.WithContext(ctx)
	if d.session.Claimant() {
		g.Go(func() error {
			qs, err := d.api.ListAllQueries(gctx, QueryFilter{Status: []string{StatusPending}})
			pending = qs
			return err
		})
	}
	g.Go(func() error {
		qs, err := d.api.ListAllQueries(gctx, QueryFilter{
			Owner:  d.session.UserID,
			Status: []string{StatusAccepted, StatusInProgress, StatusTransferred},
		})
		owned = qs
		return err
	})
	g.Go(func() error {
		recs, err := d.api.ListTransfers(gctx, TransferFilter{Candidate: d.session.UserID, Status: TransferStatusRequested})
		prompts = recs
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	snap.Queries = append(pending, owned...)
	snap.Prompts = prompts
	return snap, nil
}

// Handle applies a pushed event. A notification id seen before, on either
// delivery path, is ignored.
func (d *Desk) Handle(ev Event) {
	meta := ev.EventMeta()
	now := d.clock.Now()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pruneSeen(now)
	if _, dup := d.seen[meta.ID]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[meta.ID] = now
	d.state = ApplyEvent(d.state, ev, d.session, now)
	if queryID, ok := d.alertFor(ev); ok {
		d.addAlert(&Alert{ID: meta.ID, Event: ev, QueryID: queryID, ShownAt: now})
	}
	needsResync := d.incomplete(ev)
	d.mu.Unlock()

	d.notify()
	if needsResync {
		d.kick()
	}
}

// alertFor decides whether ev is shown to the user. Requires d.mu.
func (d *Desk) alertFor(ev Event) (string, bool) {
	me := d.session.UserID
	switch e := ev.(type) {
	case NewPending:
		return e.QueryID, d.session.Claimant()
	case TransferRequested:
		return e.QueryID, ForMe(e.ToCandidateID, me)
	case TransferBroadcast:
		return e.QueryID, ForMe(e.To.ID, me)
	case Accepted:
		if ForMe(e.NewOwnerID, me) || ForMe(e.PreviousOwnerID, me) {
			return e.QueryID, true
		}
		// Someone else took it; drop the stale new-pending alert.
		d.dismissQuery(e.QueryID)
		return "", false
	case TransferDeclined:
		return e.QueryID, ForMe(e.OwnerID, me) || ForMe(e.CandidateID, me)
	case WorkStatusChanged:
		return "", ForMe(e.StaffID, me) || d.session.Role == RoleTeamLead
	}
	return "", false
}

// incomplete reports whether the local copy built from ev lacks fields only
// a fetch can fill in. Requires d.mu.
func (d *Desk) incomplete(ev Event) bool {
	switch e := ev.(type) {
	case Accepted:
		lq, ok := d.state.Queries[e.QueryID]
		return ok && lq.Query.Subject == ""
	case TransferDeclined:
		return ForMe(e.OwnerID, d.session.UserID)
	}
	return false
}

// kick triggers an early refresh when the limiter allows it.
func (d *Desk) kick() {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || !d.resync.Allow() {
		return
	}
	go func() {
		if err := d.Refresh(ctx); err != nil {
			d.logger.Debug("event resync failed", "error", err)
		}
	}()
}

func (d *Desk) pruneSeen(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) > dedupWindow {
			delete(d.seen, id)
		}
	}
}

// addAlert requires d.mu. A stopped desk has no scheduler to expire the
// alert, so nothing is added.
func (d *Desk) addAlert(a *Alert) {
	if d.stopped {
		return
	}
	a.ExpiresAt = a.ShownAt.Add(d.alertTTL)
	id := a.ID
	a.task = d.sched.After(d.alertTTL, func() {
		d.mu.Lock()
		d.removeAlert(id, false)
		d.mu.Unlock()
		d.notify()
	})
	d.alerts = append(d.alerts, a)
}

// removeAlert requires d.mu.
func (d *Desk) removeAlert(id string, cancel bool) bool {
	for i, a := range d.alerts {
		if a.ID != id {
			continue
		}
		if cancel {
			d.sched.Cancel(a.task)
		}
		d.alerts = append(d.alerts[:i], d.alerts[i+1:]...)
		return true
	}
	return false
}

// dismissQuery drops every new-pending alert for queryID. Requires d.mu.
func (d *Desk) dismissQuery(queryID string) {
	var ids []string
	for _, a := range d.alerts {
		if _, ok := a.Event.(NewPending); ok && a.QueryID == queryID {
			ids = append(ids, a.ID)
		}
	}
	for _, id := range ids {
		d.removeAlert(id, true)
	}
}

// Dismiss removes an alert before it expires.
func (d *Desk) Dismiss(id string) bool {
	d.mu.Lock()
	ok := d.removeAlert(id, true)
	d.mu.Unlock()
	if ok {
		d.notify()
	}
	return ok
}

// Accept claims a query optimistically. If someone else got there first
// the local claim is rolled back, a conflict alert is shown and the error
// matches ErrAlreadyClaimed.
func (d *Desk) Accept(ctx context.Context, queryID string) (Query, error) {
	d.mu.Lock()
	prev, had := d.state.Queries[queryID]
	next := prev
	next.Query.ID = queryID
	next.Query.Owner = d.session.UserID
	next.Query.Status = StatusAccepted
	next.Pending = ActionAccept
	next.ObservedAt = d.clock.Now()
	d.state = d.state.Clone()
	d.state.Queries[queryID] = next
	d.mu.Unlock()
	d.notify()

	q, err := d.api.Accept(ctx, queryID)

	d.mu.Lock()
	d.state = d.state.Clone()
	switch {
	case err == nil:
		d.state.Queries[queryID] = LocalQuery{Query: q, ObservedAt: d.clock.Now()}
	case errors.Is(err, ErrAlreadyClaimed):
		delete(d.state.Queries, queryID)
		d.dismissQuery(queryID)
		now := d.clock.Now()
		d.addAlert(&Alert{ID: "conflict:" + queryID + ":" + now.Format(time.RFC3339Nano), QueryID: queryID, Conflict: true, ShownAt: now})
	case had:
		d.rollback(queryID, prev, ActionAccept)
	default:
		if cur, ok := d.state.Queries[queryID]; ok && cur.Pending == ActionAccept {
			delete(d.state.Queries, queryID)
		}
	}
	d.mu.Unlock()
	d.notify()

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.kick()
		}
		return Query{}, err
	}
	return q, nil
}

// RequestTransfer hands a query the user owns to candidate. The query
// shows as transferred until the server answers.
func (d *Desk) RequestTransfer(ctx context.Context, queryID, candidate, reason string) (TransferRecord, error) {
	d.mu.Lock()
	prev, had := d.state.Queries[queryID]
	if had {
		next := prev
		next.Query.Status = StatusTransferred
		next.Pending = ActionTransfer
		d.state = d.state.Clone()
		d.state.Queries[queryID] = next
	}
	d.mu.Unlock()
	d.notify()

	rec, err := d.api.RequestTransfer(ctx, queryID, candidate, reason)

	d.mu.Lock()
	d.state = d.state.Clone()
	if err != nil {
		if had {
			d.rollback(queryID, prev, ActionTransfer)
		}
	} else if lq, ok := d.state.Queries[queryID]; ok {
		lq.Query.Status = StatusTransferred
		lq.Query.TransferHistory = append(append([]TransferRecord(nil), lq.Query.TransferHistory...), rec)
		lq.Pending = ActionNone
		d.state.Queries[queryID] = lq
	}
	d.mu.Unlock()
	d.notify()
	return rec, err
}

// RespondToTransfer answers a prompt. A prompt someone else already closed
// is dropped and the error matches ErrAlreadyResolved.
func (d *Desk) RespondToTransfer(ctx context.Context, transferID, decision string) (Query, error) {
	d.mu.Lock()
	prev, had := d.state.Prompts[transferID]
	if had {
		next := prev
		next.Pending = ActionRespond
		d.state = d.state.Clone()
		d.state.Prompts[transferID] = next
	}
	d.mu.Unlock()
	d.notify()

	q, err := d.api.RespondToTransfer(ctx, transferID, decision)

	d.mu.Lock()
	d.state = d.state.Clone()
	switch {
	case err == nil:
		delete(d.state.Prompts, transferID)
		if decision == DecisionAccept {
			d.state.Queries[q.ID] = LocalQuery{Query: q, ObservedAt: d.clock.Now()}
		}
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNotFound):
		delete(d.state.Prompts, transferID)
	case had:
		if cur, ok := d.state.Prompts[transferID]; ok && cur.Pending == ActionRespond {
			d.state.Prompts[transferID] = prev
		}
	}
	d.mu.Unlock()
	d.notify()
	return q, err
}

// rollback restores prev unless a poll already replaced the entry.
// Requires d.mu and a cloned state.
func (d *Desk) rollback(queryID string, prev LocalQuery, action Action) {
	cur, ok := d.state.Queries[queryID]
	if !ok {
		return
	}
	if cur.Pending != action {
		return
	}
	if cur.ObservedAt.After(prev.ObservedAt) && cur.Query.Version != prev.Query.Version {
		cur.Pending = ActionNone
		d.state.Queries[queryID] = cur
		return
	}
	d.state.Queries[queryID] = prev
}

// Queries returns the local view ordered by creation time.
func (d *Desk) Queries() []LocalQuery {
	d.mu.Lock()
	out := make([]LocalQuery, 0, len(d.state.Queries))
	for _, lq := range d.state.Queries {
		out = append(out, lq)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Query.CreatedAt.Equal(out[j].Query.CreatedAt) {
			return out[i].Query.CreatedAt.Before(out[j].Query.CreatedAt)
		}
		return out[i].Query.ID < out[j].Query.ID
	})
	return out
}

func (d *Desk) Query(id string) (LocalQuery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lq, ok := d.state.Queries[id]
	return lq, ok
}

// Prompts returns incoming transfer requests, oldest first.
func (d *Desk) Prompts() []Prompt {
	d.mu.Lock()
	out := make([]Prompt, 0, len(d.state.Prompts))
	for _, p := range d.state.Prompts {
		out = append(out, p)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].TransferID < out[j].TransferID
	})
	return out
}

// Alerts returns visible alerts, oldest first.
func (d *Desk) Alerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, len(d.alerts))
	for i, a := range d.alerts {
		out[i] = *a
	}
	return out
}

// Degraded reports whether polling has failed DegradedAfter times in a
// row. It clears on the next successful refresh.
func (d *Desk) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degradedAfter > 0 && d.failures >= d.degradedAfter
}

func (d *Desk) notify() {
	for _, fn := range d.changed {
		fn()
	}
}
