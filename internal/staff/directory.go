// Package staff keeps the directory of people who can hold or receive
// queries, and their availability.
package staff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
	"github.com/mistakeknot/querydesk/internal/storage"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

type Directory struct {
	store  storage.Store
	notify fanout.Notifier
	clock  clock.Clock
	logger *slog.Logger
}

func NewDirectory(store storage.Store, notify fanout.Notifier, c clock.Clock, logger *slog.Logger) *Directory {
	if notify == nil {
		notify = fanout.Discard
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, notify: notify, clock: c, logger: logger.With("component", "staff")}
}

// Register adds or updates a staff member. Customers are rejected.
func (d *Directory) Register(ctx context.Context, s core.Staff) (core.Staff, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return core.Staff{}, fmt.Errorf("%w: staff id is required", core.ErrInvalid)
	}
	if !s.Role.IsStaff() {
		return core.Staff{}, fmt.Errorf("%w: %q is not a staff role", core.ErrInvalidRole, s.Role)
	}
	if s.WorkStatus != "" && !s.WorkStatus.Valid() {
		return core.Staff{}, fmt.Errorf("%w: unknown work status %q", core.ErrInvalid, s.WorkStatus)
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = d.clock.Now().UTC()
	}
	out, err := d.store.UpsertStaff(ctx, s)
	if err != nil {
		return core.Staff{}, err
	}
	d.logger.Info("staff registered", "staff", out.ID, "role", out.Role)
	return out, nil
}

func (d *Directory) Get(ctx context.Context, id string) (core.Staff, error) {
	return d.store.GetStaff(ctx, id)
}

// List returns staff, optionally narrowed to one role.
func (d *Directory) List(ctx context.Context, role core.Role) ([]core.Staff, error) {
	if role != "" && !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", core.ErrInvalid, role)
	}
	return d.store.ListStaff(ctx, role)
}

// SetWorkStatus updates availability. Staff change their own status; team
// leads and admins may change anyone's.
func (d *Directory) SetWorkStatus(ctx context.Context, who core.Identity, staffID string, status core.WorkStatus) (core.Staff, error) {
	if who.UserID != staffID && who.Role != core.RoleTeamLead && who.Role != core.RoleAdmin {
		return core.Staff{}, core.ErrNotOwner
	}
	if !status.Valid() {
		return core.Staff{}, fmt.Errorf("%w: unknown work status %q", core.ErrInvalid, status)
	}
	now := d.clock.Now().UTC()
	s, err := d.store.SetWorkStatus(ctx, staffID, status, now)
	if err != nil {
		return core.Staff{}, err
	}
	d.notify.Publish(core.WorkStatusNotification(staffID, status, now))
	return s, nil
}
