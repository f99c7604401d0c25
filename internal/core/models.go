package core

import (
	"fmt"
	"time"
)

// Status is a query lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepted    Status = "accepted"
	StatusInProgress  Status = "in_progress"
	StatusTransferred Status = "transferred"
	StatusResolved    Status = "resolved"
	StatusExpired     Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusTransferred, StatusResolved, StatusExpired:
		return true
	}
	return false
}

// Owned reports whether a query in this status must carry an owner.
func (s Status) Owned() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusTransferred
}

// Terminal reports whether the status only leaves via Reopen.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusExpired
}

// Role is the staff or customer role handed to the core by the auth layer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleQA       Role = "qa"
	RoleTeamLead Role = "team_lead"
	RoleAdmin    Role = "admin"
)

// ClaimantRoles are the roles that see new pending queries and may claim them.
var ClaimantRoles = []Role{RoleAgent, RoleQA, RoleTeamLead}

// StaffRoles are all roles that receive staff-wide broadcasts.
var StaffRoles = []Role{RoleAgent, RoleQA, RoleTeamLead, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleQA, RoleTeamLead, RoleAdmin:
		return true
	}
	return false
}

// CanClaim reports whether the role may own queries.
func (r Role) CanClaim() bool {
	for _, c := range ClaimantRoles {
		if r == c {
			return true
		}
	}
	return false
}

// IsStaff reports whether the role belongs to staff.
func (r Role) IsStaff() bool {
	for _, c := range StaffRoles {
		if r == c {
			return true
		}
	}
	return false
}

// Identity is the already-authenticated caller.
type Identity struct {
	UserID string
	Role   Role
	Name   string
}

// TransferStatus is the state of a single transfer handshake.
type TransferStatus string

const (
	TransferRequested TransferStatus = "requested"
	TransferAccepted  TransferStatus = "accepted"
	TransferDeclined  TransferStatus = "declined"
)

// Declined transfers record why they closed.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDeclined  = "declined"
	OutcomeCancelled = "cancelled"
	OutcomeTimedOut  = "timed_out"
)

// TransferRecord is one entry of a query's append-only transfer history.
type TransferRecord struct {
	ID          string         `json:"id"`
	QueryID     string         `json:"query_id"`
	FromOwner   string         `json:"from_owner"`
	ToCandidate string         `json:"to_candidate"`
	Reason      string         `json:"reason,omitempty"`
	Status      TransferStatus `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Pending reports whether the handshake is still open.
func (t TransferRecord) Pending() bool {
	return t.Status == TransferRequested
}

// Query is a customer petition and its routing state.
type Query struct {
	ID              string           `json:"id"`
	Status          Status           `json:"status"`
	Owner           string           `json:"owner,omitempty"`
	CustomerID      string           `json:"customer_id"`
	CustomerName    string           `json:"customer_name,omitempty"`
	Subject         string           `json:"subject"`
	Category        string           `json:"category,omitempty"`
	Priority        string           `json:"priority,omitempty"`
	TransferHistory []TransferRecord `json:"transfer_history"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
}

// PendingTransfer returns the open transfer record, if any.
func (q Query) PendingTransfer() (TransferRecord, bool) {
	for i := len(q.TransferHistory) - 1; i >= 0; i-- {
		if q.TransferHistory[i].Pending() {
			return q.TransferHistory[i], true
		}
	}
	return TransferRecord{}, false
}

// CheckInvariants verifies the ownership and single-pending-transfer rules.
func (q Query) CheckInvariants() error {
	if !q.Status.Valid() {
		return fmt.Errorf("query %s: unknown status %q", q.ID, q.Status)
	}
	if q.Status.Owned() != (q.Owner != "") {
		return fmt.Errorf("query %s: owner %q inconsistent with status %s", q.ID, q.Owner, q.Status)
	}
	pending := 0
	for _, t := range q.TransferHistory {
		if t.Pending() {
			pending++
		}
	}
	if pending > 1 {
		return fmt.Errorf("query %s: %d pending transfers", q.ID, pending)
	}
	if (pending == 1) != (q.Status == StatusTransferred) {
		return fmt.Errorf("query %s: status %s with %d pending transfers", q.ID, q.Status, pending)
	}
	return nil
}

// QueryFilter narrows ListQueries. Empty fields match everything.
type QueryFilter struct {
	Status   []Status
	Owner    string
	Category string
	Customer string
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit applies when Page.Limit is zero.
const DefaultPageLimit = 100

// Normalize fills in defaults.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	QueryID   string
	Candidate string
	FromOwner string
	Status    TransferStatus
}

// WorkStatus is a staff member's availability.
type WorkStatus string

const (
	WorkAvailable WorkStatus = "available"
	WorkBusy      WorkStatus = "busy"
	WorkAway      WorkStatus = "away"
	WorkOffline   WorkStatus = "offline"
)

// Valid reports whether w is a known work status.
func (w WorkStatus) Valid() bool {
	switch w {
	case WorkAvailable, WorkBusy, WorkAway, WorkOffline:
		return true
	}
	return false
}

// Staff is a directory entry for someone who can hold or receive queries.
type Staff struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	WorkStatus WorkStatus `json:"work_status"`
	LastSeen   time.Time  `json:"last_seen"`
}

// Activity is one row of the per-query audit log.
type Activity struct {
	Cursor    uint64            `json:"cursor"`
	QueryID   string            `json:"query_id"`
	Type      ActivityType      `json:"type"`
	Actor     string            `json:"actor"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ActivityType names an audit log row.
type ActivityType string

const (
	ActivitySubmitted         ActivityType = "query.submitted"
	ActivityAccepted          ActivityType = "query.accepted"
	ActivityReplied           ActivityType = "query.replied"
	ActivityResolved          ActivityType = "query.resolved"
	ActivityReopened          ActivityType = "query.reopened"
	ActivityExpired           ActivityType = "query.expired"
	ActivityTransferRequested ActivityType = "transfer.requested"
	ActivityTransferAccepted  ActivityType = "transfer.accepted"
	ActivityTransferDeclined  ActivityType = "transfer.declined"
)
