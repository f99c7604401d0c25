package client

import "time"

// Query statuses as they appear on the wire.
const (
	StatusPending     = "pending"
	StatusAccepted    = "accepted"
	StatusInProgress  = "in_progress"
	StatusTransferred = "transferred"
	StatusResolved    = "resolved"
	StatusExpired     = "expired"
)

// Roles.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleQA       = "qa"
	RoleTeamLead = "team_lead"
	RoleAdmin    = "admin"
)

// Transfer record statuses.
const (
	TransferStatusRequested = "requested"
	TransferStatusAccepted  = "accepted"
	TransferStatusDeclined  = "declined"
)

// Decisions accepted by RespondToTransfer.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

type TransferRecord struct {
	ID          string     `json:"id"`
	QueryID     string     `json:"query_id"`
	FromOwner   string     `json:"from_owner"`
	ToCandidate string     `json:"to_candidate"`
	Reason      string     `json:"reason,omitempty"`
	Status      string     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type Query struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
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

type Staff struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	WorkStatus string    `json:"work_status"`
	LastSeen   time.Time `json:"last_seen"`
}

type Activity struct {
	Cursor    uint64            `json:"cursor"`
	QueryID   string            `json:"query_id"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is the identity a client acts as. It is handed in by whoever
// authenticated the user; the client never decodes credentials.
type Session struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// Staff reports whether the session belongs to a staff role.
func (s Session) Staff() bool {
	switch s.Role {
	case RoleAgent, RoleQA, RoleTeamLead, RoleAdmin:
		return true
	}
	return false
}

// Claimant reports whether the session may claim pending queries.
func (s Session) Claimant() bool {
	switch s.Role {
	case RoleAgent, RoleQA, RoleTeamLead:
		return true
	}
	return false
}

// QueryFilter narrows ListQueries. Zero fields are omitted.
type QueryFilter struct {
	Status   []string
	Owner    string
	Category string
	Customer string
	Limit    int
	Offset   int
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	QueryID   string
	Candidate string
	From      string
	Status    string
}

type SubmitRequest struct {
	Subject  string `json:"subject"`
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type RegisterStaffRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	WorkStatus string `json:"work_status,omitempty"`
}
