// Package transfer runs the two-party handshake that hands an owned query
// to another staff member without ever leaving it unowned.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
	"github.com/mistakeknot/querydesk/internal/storage"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

var tracer = otel.Tracer("querydesk/transfer")

var handshakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "querydesk_transfer_handshake_total",
	Help: "Transfer handshake steps by operation and result",
}, []string{"operation", "result"})

// Decision is the candidate's answer to a transfer request.
type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
)

func (d Decision) Valid() bool { return d == Accept || d == Decline }

// SystemActor is recorded for transitions made by the sweeper.
const SystemActor = "system"

type Coordinator struct {
	store  storage.Store
	notify fanout.Notifier
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(co *Coordinator) { co.logger = l } }

func NewCoordinator(store storage.Store, notify fanout.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		notify: notify,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notify == nil {
		c.notify = fanout.Discard
	}
	c.logger = c.logger.With("component", "transfer")
	return c
}

func (c *Coordinator) now() time.Time { return c.clock.Now().UTC() }

// RequestTransfer opens a handshake from the current owner to candidateID.
// The query moves to Transferred and keeps its owner until the candidate
// answers.
func (c *Coordinator) RequestTransfer(ctx context.Context, who core.Identity, queryID, candidateID, reason string) (core.TransferRecord, error) {
	ctx, span := tracer.Start(ctx, "transfer.Request", trace.WithAttributes(
		attribute.String("query.id", queryID),
		attribute.String("candidate.id", candidateID),
	))
	defer span.End()

	rec, err := c.request(ctx, who, queryID, candidateID, reason)
	record(span, "request", err)
	return rec, err
}

func (c *Coordinator) request(ctx context.Context, who core.Identity, queryID, candidateID, reason string) (core.TransferRecord, error) {
	q, err := c.store.GetQuery(ctx, queryID)
	if err != nil {
		return core.TransferRecord{}, err
	}
	if q.Owner != who.UserID {
		return core.TransferRecord{}, core.ErrNotOwner
	}
	if _, open := q.PendingTransfer(); open || q.Status == core.StatusTransferred {
		return core.TransferRecord{}, core.ErrTransferPending
	}
	if !core.CanTransition(q.Status, core.StatusTransferred) {
		return core.TransferRecord{}, core.ErrInvalidTransition
	}
	if candidateID == "" || candidateID == who.UserID {
		return core.TransferRecord{}, fmt.Errorf("%w: candidate must be another staff member", core.ErrInvalid)
	}
	candidate, err := c.store.GetStaff(ctx, candidateID)
	if errors.Is(err, core.ErrNotFound) {
		return core.TransferRecord{}, fmt.Errorf("%w: %s is not registered staff", core.ErrInvalidRole, candidateID)
	}
	if err != nil {
		return core.TransferRecord{}, err
	}
	if !candidate.Role.CanClaim() {
		return core.TransferRecord{}, fmt.Errorf("%w: %s cannot own queries", core.ErrInvalidRole, candidate.Role)
	}

	now := c.now()
	rec := core.TransferRecord{
		ID:          uuid.NewString(),
		QueryID:     queryID,
		FromOwner:   who.UserID,
		ToCandidate: candidateID,
		Reason:      strings.TrimSpace(reason),
		Status:      core.TransferRequested,
		RequestedAt: now,
	}
	_, err = c.store.ApplyTransition(ctx, core.Transition{
		QueryID:        queryID,
		Expected:       q.Status,
		ExpectedOwner:  who.UserID,
		Next:           core.StatusTransferred,
		Owner:          who.UserID,
		AppendTransfer: &rec,
		Actor:          who.UserID,
		Activity:       core.ActivityTransferRequested,
		Payload:        map[string]string{"transfer": rec.ID, "to": candidateID},
		At:             now,
	})
	if errors.Is(err, core.ErrConflict) {
		current, gerr := c.store.GetQuery(ctx, queryID)
		switch {
		case gerr != nil:
			return core.TransferRecord{}, gerr
		case current.Owner != who.UserID:
			return core.TransferRecord{}, core.ErrNotOwner
		case current.Status == core.StatusTransferred:
			return core.TransferRecord{}, core.ErrTransferPending
		}
		return core.TransferRecord{}, err
	}
	if err != nil {
		return core.TransferRecord{}, err
	}
	c.logger.Info("transfer requested", "query", queryID, "transfer", rec.ID, "from", who.UserID, "to", candidateID)
	c.notify.Publish(core.TransferRequestedNotification(rec, core.Party{ID: who.UserID, Name: who.Name}, now))
	return rec, nil
}

// RespondToTransfer applies the candidate's decision. Only the first answer
// lands; later ones, including retries of the same answer, get
// core.ErrAlreadyResolved.
func (c *Coordinator) RespondToTransfer(ctx context.Context, who core.Identity, transferID string, decision Decision) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "transfer.Respond", trace.WithAttributes(
		attribute.String("transfer.id", transferID),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	q, err := c.respond(ctx, who, transferID, decision)
	record(span, "respond_"+string(decision), err)
	return q, err
}

func (c *Coordinator) respond(ctx context.Context, who core.Identity, transferID string, decision Decision) (core.Query, error) {
	if !decision.Valid() {
		return core.Query{}, fmt.Errorf("%w: unknown decision %q", core.ErrInvalid, decision)
	}
	rec, err := c.store.GetTransfer(ctx, transferID)
	if err != nil {
		return core.Query{}, err
	}
	if rec.ToCandidate != who.UserID {
		return core.Query{}, core.ErrNotCandidate
	}
	if !rec.Pending() {
		return core.Query{}, core.ErrAlreadyResolved
	}
	if decision == Decline {
		return c.close(ctx, rec, who.UserID, core.OutcomeDeclined)
	}

	now := c.now()
	q, err := c.store.ApplyTransition(ctx, core.Transition{
		QueryID:       rec.QueryID,
		Expected:      core.StatusTransferred,
		ExpectedOwner: rec.FromOwner,
		Next:          core.StatusAccepted,
		Owner:         rec.ToCandidate,
		ResolveTransfer: &core.TransferResolution{
			TransferID: rec.ID,
			Status:     core.TransferAccepted,
			Outcome:    core.OutcomeAccepted,
		},
		Actor:    who.UserID,
		Activity: core.ActivityTransferAccepted,
		Payload:  map[string]string{"transfer": rec.ID, "from": rec.FromOwner},
		At:       now,
	})
	if err != nil {
		return core.Query{}, c.settle(ctx, rec.ID, err)
	}
	c.logger.Info("transfer accepted", "query", rec.QueryID, "transfer", rec.ID, "owner", rec.ToCandidate)
	c.notify.Publish(core.AcceptedNotification(q, rec.FromOwner, rec.ID, now))
	return q, nil
}

// CancelTransfer withdraws a pending request. The requesting owner, team
// leads and admins may cancel.
func (c *Coordinator) CancelTransfer(ctx context.Context, who core.Identity, transferID string) (core.Query, error) {
	ctx, span := tracer.Start(ctx, "transfer.Cancel", trace.WithAttributes(attribute.String("transfer.id", transferID)))
	defer span.End()

	q, err := c.cancel(ctx, who, transferID)
	record(span, "cancel", err)
	return q, err
}

func (c *Coordinator) cancel(ctx context.Context, who core.Identity, transferID string) (core.Query, error) {
	rec, err := c.store.GetTransfer(ctx, transferID)
	if err != nil {
		return core.Query{}, err
	}
	if rec.FromOwner != who.UserID && who.Role != core.RoleTeamLead && who.Role != core.RoleAdmin {
		return core.Query{}, core.ErrNotOwner
	}
	if !rec.Pending() {
		return core.Query{}, core.ErrAlreadyResolved
	}
	return c.close(ctx, rec, who.UserID, core.OutcomeCancelled)
}

// close ends a handshake without changing owner.
func (c *Coordinator) close(ctx context.Context, rec core.TransferRecord, actor, outcome string) (core.Query, error) {
	now := c.now()
	q, err := c.store.ApplyTransition(ctx, core.Transition{
		QueryID:       rec.QueryID,
		Expected:      core.StatusTransferred,
		ExpectedOwner: rec.FromOwner,
		Next:          core.StatusAccepted,
		Owner:         rec.FromOwner,
		ResolveTransfer: &core.TransferResolution{
			TransferID: rec.ID,
			Status:     core.TransferDeclined,
			Outcome:    outcome,
		},
		Actor:    actor,
		Activity: core.ActivityTransferDeclined,
		Payload:  map[string]string{"transfer": rec.ID, "outcome": outcome},
		At:       now,
	})
	if err != nil {
		return core.Query{}, c.settle(ctx, rec.ID, err)
	}
	c.logger.Info("transfer closed", "query", rec.QueryID, "transfer", rec.ID, "outcome", outcome)
	c.notify.Publish(core.TransferDeclinedNotification(rec, outcome, now))
	return q, nil
}

// settle turns a lost compare-and-swap into AlreadyResolved when the record
// was closed by someone else.
func (c *Coordinator) settle(ctx context.Context, transferID string, err error) error {
	if !errors.Is(err, core.ErrConflict) {
		return err
	}
	rec, gerr := c.store.GetTransfer(ctx, transferID)
	if gerr == nil && !rec.Pending() {
		return core.ErrAlreadyResolved
	}
	return err
}

// SweepExpired auto-declines handshakes requested before the cutoff.
func (c *Coordinator) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	stale, err := c.store.StaleTransfers(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale transfers: %w", err)
	}
	closed := 0
	for _, rec := range stale {
		_, err := c.close(ctx, rec, SystemActor, core.OutcomeTimedOut)
		switch {
		case err == nil:
			closed++
			handshakeTotal.WithLabelValues("timeout", "ok").Inc()
		case errors.Is(err, core.ErrAlreadyResolved), errors.Is(err, core.ErrConflict):
			c.logger.Debug("transfer settled before sweep", "transfer", rec.ID)
		default:
			return closed, fmt.Errorf("time out transfer %s: %w", rec.ID, err)
		}
	}
	return closed, nil
}

// List returns transfer records matching filter.
func (c *Coordinator) List(ctx context.Context, filter core.TransferFilter) ([]core.TransferRecord, error) {
	return c.store.ListTransfers(ctx, filter)
}

func record(span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = core.Kind(err)
		span.SetAttributes(attribute.String("error.kind", result))
	}
	handshakeTotal.WithLabelValues(op, result).Inc()
	if result == "internal" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
