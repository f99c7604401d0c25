// Package claim arbitrates who owns a query: submission, concurrent accepts,
// replies, resolution and reopening all go through the store's
// compare-and-swap transition.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	petition "github.com/mistakeknot/querydesk/internal/codes"
	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
	"github.com/mistakeknot/querydesk/internal/storage"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

var tracer = otel.Tracer("querydesk/claim")

var (
	acceptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querydesk_claim_accept_total",
		Help: "Accept attempts by result",
	}, []string{"result"})

	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querydesk_claim_transition_total",
		Help: "Arbiter transitions by operation and result",
	}, []string{"operation", "result"})
)

const maxCodeAttempts = 5

// Arbiter is the single writer for query ownership outside the transfer
// handshake.
type Arbiter struct {
	store  storage.Store
	notify fanout.Notifier
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Arbiter)

func WithClock(c clock.Clock) Option { return func(a *Arbiter) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.logger = l } }

func NewArbiter(store storage.Store, notify fanout.Notifier, opts ...Option) *Arbiter {
	a := &Arbiter{
		store:  store,
		notify: notify,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.notify == nil {
		a.notify = fanout.Discard
	}
	a.logger = a.logger.With("component", "claim")
	return a
}

func (a *Arbiter) now() time.Time { return a.clock.Now().UTC() }

// SubmitInput is what a customer provides when opening a query.
type SubmitInput struct {
	Subject  string
	Category string
	Priority string
}

// Submit opens a new pending query and announces it to every claimant.
func (a *Arbiter) Submit(ctx context.Context, who core.Identity, in SubmitInput) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "claim.Submit")
	defer span.End()

	if who.UserID == "" || strings.TrimSpace(in.Subject) == "" {
		return core.Query{}, fmt.Errorf("%w: customer and subject are required", core.ErrInvalid)
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	now := a.now()
	var (
		q   core.Query
		err error
	)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		q, err = a.store.CreateQuery(ctx, core.Query{
			ID:           petition.Petition(),
			Status:       core.StatusPending,
			CustomerID:   who.UserID,
			CustomerName: who.Name,
			Subject:      strings.TrimSpace(in.Subject),
			Category:     in.Category,
			Priority:     in.Priority,
			CreatedAt:    now,
		})
		if !errors.Is(err, core.ErrConflict) {
			break
		}
	}
	if err != nil {
		endSpan(span, err)
		return core.Query{}, fmt.Errorf("submit: %w", err)
	}
	span.SetAttributes(attribute.String("query.id", q.ID))
	transitionTotal.WithLabelValues("submit", "ok").Inc()
	a.logger.Info("query submitted", "query", q.ID, "customer", who.UserID, "category", q.Category)
	a.notify.Publish(core.NewPendingNotification(q, now))
	return q, nil
}

// Accept claims a pending query for who. Repeating the call as the current
// owner succeeds without side effects; losing the race yields
// core.ErrAlreadyClaimed.
func (a *Arbiter) Accept(ctx context.Context, who core.Identity, queryID string) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "claim.Accept", trace.WithAttributes(
		attribute.String("query.id", queryID),
		attribute.String("agent.id", who.UserID),
	))
	defer span.End()

	q, err := a.accept(ctx, who, queryID)
	result := core.Kind(err)
	if result == "" {
		result = "ok"
	}
	acceptTotal.WithLabelValues(result).Inc()
	endSpan(span, err)
	return q, err
}

func (a *Arbiter) accept(ctx context.Context, who core.Identity, queryID string) (core.Query, error) {
	if !who.Role.CanClaim() {
		return core.Query{}, core.ErrInvalidRole
	}
	q, err := a.store.GetQuery(ctx, queryID)
	if err != nil {
		return core.Query{}, err
	}
	if q.Owner == who.UserID {
		return q, nil
	}
	if q.Status != core.StatusPending {
		if q.Owner != "" {
			return core.Query{}, core.ErrAlreadyClaimed
		}
		return core.Query{}, core.ErrInvalidTransition
	}

	now := a.now()
	updated, err := a.store.ApplyTransition(ctx, core.Transition{
		QueryID:  queryID,
		Expected: core.StatusPending,
		Next:     core.StatusAccepted,
		Owner:    who.UserID,
		Actor:    who.UserID,
		Activity: core.ActivityAccepted,
		At:       now,
	})
	if errors.Is(err, core.ErrConflict) {
		// Someone moved first; it may have been this agent from another tab.
		current, gerr := a.store.GetQuery(ctx, queryID)
		if gerr != nil {
			return core.Query{}, gerr
		}
		if current.Owner == who.UserID {
			return current, nil
		}
		a.logger.Debug("accept lost race", "query", queryID, "agent", who.UserID, "owner", current.Owner)
		return core.Query{}, core.ErrAlreadyClaimed
	}
	if err != nil {
		return core.Query{}, err
	}
	a.logger.Info("query accepted", "query", queryID, "agent", who.UserID)
	a.notify.Publish(core.AcceptedNotification(updated, "", "", now))
	return updated, nil
}

// Reply records an owner message. The first reply moves an accepted query
// into progress.
func (a *Arbiter) Reply(ctx context.Context, who core.Identity, queryID, body string) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "claim.Reply", trace.WithAttributes(attribute.String("query.id", queryID)))
	defer span.End()

	if strings.TrimSpace(body) == "" {
		return core.Query{}, fmt.Errorf("%w: reply body is required", core.ErrInvalid)
	}
	q, err := a.store.GetQuery(ctx, queryID)
	if err != nil {
		endSpan(span, err)
		return core.Query{}, err
	}
	if q.Owner != who.UserID {
		return core.Query{}, core.ErrNotOwner
	}
	payload := map[string]string{"body": body}

	switch q.Status {
	case core.StatusAccepted:
		updated, err := a.store.ApplyTransition(ctx, core.Transition{
			QueryID:       queryID,
			Expected:      core.StatusAccepted,
			ExpectedOwner: who.UserID,
			Next:          core.StatusInProgress,
			Owner:         who.UserID,
			Actor:         who.UserID,
			Activity:      core.ActivityReplied,
			Payload:       payload,
			At:            a.now(),
		})
		if err != nil {
			endSpan(span, err)
			transitionTotal.WithLabelValues("reply", core.Kind(err)).Inc()
			return core.Query{}, err
		}
		transitionTotal.WithLabelValues("reply", "ok").Inc()
		return updated, nil
	case core.StatusInProgress, core.StatusTransferred:
		if _, err := a.store.AppendActivity(ctx, core.Activity{
			QueryID:   queryID,
			Type:      core.ActivityReplied,
			Actor:     who.UserID,
			Payload:   payload,
			CreatedAt: a.now(),
		}); err != nil {
			endSpan(span, err)
			return core.Query{}, err
		}
		return q, nil
	default:
		return core.Query{}, core.ErrInvalidTransition
	}
}

// Resolve closes an accepted or in-progress query. Team leads and admins
// may resolve queries they do not own.
func (a *Arbiter) Resolve(ctx context.Context, who core.Identity, queryID string) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "claim.Resolve", trace.WithAttributes(attribute.String("query.id", queryID)))
	defer span.End()

	q, err := a.store.GetQuery(ctx, queryID)
	if err != nil {
		endSpan(span, err)
		return core.Query{}, err
	}
	if q.Owner != who.UserID && !supervisor(who.Role) {
		return core.Query{}, core.ErrNotOwner
	}
	if !core.CanTransition(q.Status, core.StatusResolved) {
		return core.Query{}, core.ErrInvalidTransition
	}
	updated, err := a.store.ApplyTransition(ctx, core.Transition{
		QueryID:       queryID,
		Expected:      q.Status,
		ExpectedOwner: q.Owner,
		Next:          core.StatusResolved,
		Actor:         who.UserID,
		Activity:      core.ActivityResolved,
		At:            a.now(),
	})
	transitionTotal.WithLabelValues("resolve", resultLabel(err)).Inc()
	if err != nil {
		endSpan(span, err)
		return core.Query{}, err
	}
	a.logger.Info("query resolved", "query", queryID, "by", who.UserID)
	return updated, nil
}

// Reopen returns a resolved or expired query to the pending pool with its
// transfer history intact, and re-announces it to claimants.
func (a *Arbiter) Reopen(ctx context.Context, who core.Identity, queryID, message string) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "claim.Reopen", trace.WithAttributes(attribute.String("query.id", queryID)))
	defer span.End()

	q, err := a.store.GetQuery(ctx, queryID)
	if err != nil {
		endSpan(span, err)
		return core.Query{}, err
	}
	if who.Role == core.RoleCustomer && q.CustomerID != who.UserID {
		return core.Query{}, core.ErrNotOwner
	}
	if !q.Status.Terminal() {
		return core.Query{}, core.ErrInvalidTransition
	}
	now := a.now()
	var payload map[string]string
	if message != "" {
		payload = map[string]string{"message": message}
	}
	updated, err := a.store.ApplyTransition(ctx, core.Transition{
		QueryID:  queryID,
		Expected: q.Status,
		Next:     core.StatusPending,
		Actor:    who.UserID,
		Activity: core.ActivityReopened,
		Payload:  payload,
		At:       now,
	})
	transitionTotal.WithLabelValues("reopen", resultLabel(err)).Inc()
	if err != nil {
		endSpan(span, err)
		return core.Query{}, err
	}
	a.notify.Publish(core.NewPendingNotification(updated, now))
	return updated, nil
}

// ExpireStale moves pending queries idle since before to Expired. Queries
// claimed while the sweep runs are skipped.
func (a *Arbiter) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := a.store.StalePending(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	expired := 0
	for _, q := range stale {
		_, err := a.store.ApplyTransition(ctx, core.Transition{
			QueryID:  q.ID,
			Expected: core.StatusPending,
			Next:     core.StatusExpired,
			Actor:    "system",
			Activity: core.ActivityExpired,
			At:       a.now(),
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, core.ErrConflict):
		default:
			return expired, fmt.Errorf("expire %s: %w", q.ID, err)
		}
	}
	return expired, nil
}

func (a *Arbiter) Get(ctx context.Context, queryID string) (core.Query, error) {
	return a.store.GetQuery(ctx, queryID)
}

func (a *Arbiter) List(ctx context.Context, filter core.QueryFilter, page core.Page) ([]core.Query, error) {
	return a.store.ListQueries(ctx, filter, page)
}

func (a *Arbiter) Activity(ctx context.Context, queryID string, after uint64) ([]core.Activity, error) {
	return a.store.Activity(ctx, queryID, after)
}

func supervisor(r core.Role) bool {
	return r == core.RoleTeamLead || r == core.RoleAdmin
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return core.Kind(err)
}

// endSpan marks the span failed for unexpected errors only; lost races are
// normal outcomes.
func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("error.kind", core.Kind(err)))
	if core.Kind(err) == "internal" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
