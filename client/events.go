package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Wire event types.
const (
	TypeNewPendingQuery        = "new-pending-query"
	TypeTransferRequest        = "transfer-request"
	TypeQueryTransferRequested = "query-transfer-requested"
	TypeQueryAccepted          = "query-accepted"
	TypeTransferDeclined       = "transfer-declined"
	TypeWorkStatusChanged      = "work-status-changed"
)

// Delivery paths.
const (
	ChannelTargeted  = "targeted"
	ChannelBroadcast = "broadcast"
)

// Envelope is the frame pushed over the websocket.
type Envelope struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Channel   string          `json:"channel" validate:"oneof=targeted broadcast"`
	EmittedAt time.Time       `json:"emittedAt"`
	Data      json.RawMessage `json:"data"`
}

// Meta is shared by every event. ID is the notification id and is the
// same on the targeted and broadcast copies.
type Meta struct {
	ID        string
	Channel   string
	EmittedAt time.Time
}

// Event is one of the variants below; switch on the concrete type.
type Event interface {
	EventMeta() Meta
	isEvent()
}

type Party struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
}

type NewPending struct {
	Meta         `json:"-"`
	QueryID      string    `json:"queryId" validate:"required"`
	CustomerName string    `json:"customerName"`
	Subject      string    `json:"subject" validate:"required"`
	Category     string    `json:"category"`
	Priority     string    `json:"priority"`
	Timestamp    time.Time `json:"timestamp"`
}

// TransferRequested is the targeted prompt to the candidate.
type TransferRequested struct {
	Meta          `json:"-"`
	QueryID       string `json:"queryId" validate:"required"`
	TransferID    string `json:"transferId" validate:"required"`
	FromOwner     Party  `json:"fromOwner"`
	ToCandidateID string `json:"toCandidateId" validate:"required"`
	Reason        string `json:"reason,omitempty"`
}

// TransferBroadcast is the staff-wide fallback for TransferRequested. It
// carries ids only; the reason stays on the targeted path.
type TransferBroadcast struct {
	Meta       `json:"-"`
	QueryID    string `json:"queryId" validate:"required"`
	TransferID string `json:"transferId" validate:"required"`
	From       Party  `json:"from"`
	To         Party  `json:"to"`
}

type Accepted struct {
	Meta            `json:"-"`
	QueryID         string `json:"queryId" validate:"required"`
	NewOwnerID      string `json:"newOwnerId" validate:"required"`
	PreviousOwnerID string `json:"previousOwnerId,omitempty"`
	TransferID      string `json:"transferId,omitempty"`
}

type TransferDeclined struct {
	Meta        `json:"-"`
	QueryID     string `json:"queryId" validate:"required"`
	TransferID  string `json:"transferId" validate:"required"`
	OwnerID     string `json:"ownerId" validate:"required"`
	CandidateID string `json:"candidateId" validate:"required"`
	Outcome     string `json:"outcome" validate:"oneof=declined cancelled timed_out"`
}

type WorkStatusChanged struct {
	Meta          `json:"-"`
	StaffID       string `json:"staffId" validate:"required"`
	NewWorkStatus string `json:"newWorkStatus" validate:"oneof=available busy away offline"`
}

func (m Meta) EventMeta() Meta { return m }

func (NewPending) isEvent()        {}
func (TransferRequested) isEvent() {}
func (TransferBroadcast) isEvent() {}
func (Accepted) isEvent()          {}
func (TransferDeclined) isEvent()  {}
func (WorkStatusChanged) isEvent() {}

var validate = validator.New()

// DecodeEvent turns an envelope into its variant. Unknown types and
// payloads missing required fields are errors.
func DecodeEvent(env Envelope) (Event, error) {
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	meta := Meta{ID: env.ID, Channel: env.Channel, EmittedAt: env.EmittedAt}
	switch env.Type {
	case TypeNewPendingQuery:
		return decodeAs(env, func(e *NewPending) { e.Meta = meta })
	case TypeTransferRequest:
		return decodeAs(env, func(e *TransferRequested) { e.Meta = meta })
	case TypeQueryTransferRequested:
		return decodeAs(env, func(e *TransferBroadcast) { e.Meta = meta })
	case TypeQueryAccepted:
		return decodeAs(env, func(e *Accepted) { e.Meta = meta })
	case TypeTransferDeclined:
		return decodeAs(env, func(e *TransferDeclined) { e.Meta = meta })
	case TypeWorkStatusChanged:
		return decodeAs(env, func(e *WorkStatusChanged) { e.Meta = meta })
	}
	return nil, fmt.Errorf("unknown event type %q", env.Type)
}

func decodeAs[T Event](env Envelope, setMeta func(*T)) (Event, error) {
	var ev T
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	setMeta(&ev)
	return ev, nil
}

// ForMe reports whether an event aimed at targetID concerns userID.
// Broadcast copies reach every staff member; this is the only check that
// decides who acts on them.
func ForMe(targetID, userID string) bool {
	return targetID != "" && targetID == userID
}
