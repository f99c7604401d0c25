package core

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies what a notification signals.
type NotificationKind string

const (
	KindNewPending        NotificationKind = "new_pending"
	KindTransferRequested NotificationKind = "transfer_requested"
	KindAccepted          NotificationKind = "accepted"
	KindTransferDeclined  NotificationKind = "transfer_declined"
	KindWorkStatusChanged NotificationKind = "work_status_changed"
)

// Wire event names.
const (
	EventNewPendingQuery        = "new-pending-query"
	EventTransferRequest        = "transfer-request"
	EventQueryTransferRequested = "query-transfer-requested"
	EventQueryAccepted          = "query-accepted"
	EventTransferDeclined       = "transfer-declined"
	EventWorkStatusChanged      = "work-status-changed"
)

// TargetedEvent is the event name used on private user channels.
func (k NotificationKind) TargetedEvent() string {
	switch k {
	case KindNewPending:
		return EventNewPendingQuery
	case KindTransferRequested:
		return EventTransferRequest
	case KindAccepted:
		return EventQueryAccepted
	case KindTransferDeclined:
		return EventTransferDeclined
	case KindWorkStatusChanged:
		return EventWorkStatusChanged
	}
	return string(k)
}

// BroadcastEvent is the event name used on role channels.
func (k NotificationKind) BroadcastEvent() string {
	if k == KindTransferRequested {
		return EventQueryTransferRequested
	}
	return k.TargetedEvent()
}

// Notification is an ephemeral record of a completed transition.
//
// Payload goes to Targets; BroadcastPayload (or Payload when nil) goes to
// Roles. Both paths carry the same ID so subscribers can deduplicate.
type Notification struct {
	ID               string
	Kind             NotificationKind
	QueryID          string
	Targets          []string
	Roles            []Role
	Payload          any
	BroadcastPayload any
	EmittedAt        time.Time
}

// Party names one side of a transfer.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type NewPendingPayload struct {
	QueryID      string    `json:"queryId"`
	CustomerName string    `json:"customerName"`
	Subject      string    `json:"subject"`
	Category     string    `json:"category"`
	Priority     string    `json:"priority"`
	Timestamp    time.Time `json:"timestamp"`
}

type TransferRequestPayload struct {
	QueryID       string `json:"queryId"`
	TransferID    string `json:"transferId"`
	FromOwner     Party  `json:"fromOwner"`
	ToCandidateID string `json:"toCandidateId"`
	Reason        string `json:"reason,omitempty"`
}

// TransferBroadcastPayload is the role-channel fallback for a transfer
// request. It omits the reason text; non-targets only need ids to filter.
type TransferBroadcastPayload struct {
	QueryID    string `json:"queryId"`
	TransferID string `json:"transferId"`
	From       Party  `json:"from"`
	To         Party  `json:"to"`
}

type AcceptedPayload struct {
	QueryID         string `json:"queryId"`
	NewOwnerID      string `json:"newOwnerId"`
	PreviousOwnerID string `json:"previousOwnerId,omitempty"`
	TransferID      string `json:"transferId,omitempty"`
}

type TransferDeclinedPayload struct {
	QueryID     string `json:"queryId"`
	TransferID  string `json:"transferId"`
	OwnerID     string `json:"ownerId"`
	CandidateID string `json:"candidateId"`
	Outcome     string `json:"outcome"`
}

type WorkStatusPayload struct {
	StaffID       string     `json:"staffId"`
	NewWorkStatus WorkStatus `json:"newWorkStatus"`
}

// NewPendingNotification announces an unclaimed query to every claimant role.
func NewPendingNotification(q Query, at time.Time) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Kind:    KindNewPending,
		QueryID: q.ID,
		Roles:   ClaimantRoles,
		Payload: NewPendingPayload{
			QueryID:      q.ID,
			CustomerName: q.CustomerName,
			Subject:      q.Subject,
			Category:     q.Category,
			Priority:     q.Priority,
			Timestamp:    q.CreatedAt,
		},
		EmittedAt: at,
	}
}

// AcceptedNotification confirms a new owner to the parties involved and
// tells every other claimant to drop the query from its pending list.
func AcceptedNotification(q Query, previousOwner, transferID string, at time.Time) Notification {
	targets := []string{q.Owner}
	if previousOwner != "" && previousOwner != q.Owner {
		targets = append(targets, previousOwner)
	}
	return Notification{
		ID:      uuid.NewString(),
		Kind:    KindAccepted,
		QueryID: q.ID,
		Targets: targets,
		Roles:   StaffRoles,
		Payload: AcceptedPayload{
			QueryID:         q.ID,
			NewOwnerID:      q.Owner,
			PreviousOwnerID: previousOwner,
			TransferID:      transferID,
		},
		EmittedAt: at,
	}
}

// TransferRequestedNotification prompts the candidate, with an id-only
// fallback on the staff broadcast channel.
func TransferRequestedNotification(rec TransferRecord, from Party, at time.Time) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Kind:    KindTransferRequested,
		QueryID: rec.QueryID,
		Targets: []string{rec.ToCandidate},
		Roles:   StaffRoles,
		Payload: TransferRequestPayload{
			QueryID:       rec.QueryID,
			TransferID:    rec.ID,
			FromOwner:     from,
			ToCandidateID: rec.ToCandidate,
			Reason:        rec.Reason,
		},
		BroadcastPayload: TransferBroadcastPayload{
			QueryID:    rec.QueryID,
			TransferID: rec.ID,
			From:       from,
			To:         Party{ID: rec.ToCandidate},
		},
		EmittedAt: at,
	}
}

// TransferDeclinedNotification tells both parties the handshake closed
// without a change of owner.
func TransferDeclinedNotification(rec TransferRecord, outcome string, at time.Time) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Kind:    KindTransferDeclined,
		QueryID: rec.QueryID,
		Targets: []string{rec.FromOwner, rec.ToCandidate},
		Payload: TransferDeclinedPayload{
			QueryID:     rec.QueryID,
			TransferID:  rec.ID,
			OwnerID:     rec.FromOwner,
			CandidateID: rec.ToCandidate,
			Outcome:     outcome,
		},
		EmittedAt: at,
	}
}

// WorkStatusNotification goes to the staff member and to team leads.
func WorkStatusNotification(staffID string, status WorkStatus, at time.Time) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Kind:    KindWorkStatusChanged,
		Targets: []string{staffID},
		Roles:   []Role{RoleTeamLead},
		Payload: WorkStatusPayload{
			StaffID:       staffID,
			NewWorkStatus: status,
		},
		EmittedAt: at,
	}
}
