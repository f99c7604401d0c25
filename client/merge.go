package client

import (
	"maps"
	"time"
)

// Action is a local write still waiting for the server's answer.
type Action string

const (
	ActionNone     Action = ""
	ActionAccept   Action = "accept"
	ActionTransfer Action = "transfer"
	ActionRespond  Action = "respond"
)

// LocalQuery is the client's copy of a query. Pending marks an
// optimistic change awaiting confirmation. Provisional copies were built
// from pushed events and have not been confirmed by a poll.
type LocalQuery struct {
	Query       Query
	Pending     Action
	Provisional bool
	ObservedAt  time.Time
}

// Prompt is an incoming transfer request awaiting this user's decision.
type Prompt struct {
	TransferID string
	QueryID    string
	From       Party
	Reason     string
	Pending    Action
	ObservedAt time.Time
}

// State is the local view: queries visible to the user and transfer
// prompts addressed to them.
type State struct {
	Queries map[string]LocalQuery
	Prompts map[string]Prompt
}

func NewState() State {
	return State{Queries: map[string]LocalQuery{}, Prompts: map[string]Prompt{}}
}

// Clone returns a deep enough copy for callers to mutate maps freely.
func (s State) Clone() State {
	out := State{Queries: maps.Clone(s.Queries), Prompts: maps.Clone(s.Prompts)}
	if out.Queries == nil {
		out.Queries = map[string]LocalQuery{}
	}
	if out.Prompts == nil {
		out.Prompts = map[string]Prompt{}
	}
	return out
}

// Snapshot is the authoritative state fetched by one reconciliation poll.
// TakenAt is when the fetch started.
type Snapshot struct {
	Queries []Query
	Prompts []TransferRecord
	TakenAt time.Time
}

// Merge reconciles local with server truth. Server values win for every
// query and prompt the snapshot contains; only the in-flight Pending mark
// carries over. Local entries missing from the snapshot survive only when
// they were observed after the snapshot was taken.
func Merge(local State, server Snapshot) State {
	out := NewState()
	for _, q := range server.Queries {
		lq := LocalQuery{Query: q, ObservedAt: server.TakenAt}
		if prev, ok := local.Queries[q.ID]; ok {
			lq.Pending = prev.Pending
		}
		out.Queries[q.ID] = lq
	}
	for id, lq := range local.Queries {
		if _, ok := out.Queries[id]; ok {
			continue
		}
		if lq.ObservedAt.After(server.TakenAt) {
			out.Queries[id] = lq
		}
	}

	for _, rec := range server.Prompts {
		if rec.Status != TransferStatusRequested {
			continue
		}
		p := Prompt{
			TransferID: rec.ID,
			QueryID:    rec.QueryID,
			From:       Party{ID: rec.FromOwner},
			Reason:     rec.Reason,
			ObservedAt: server.TakenAt,
		}
		if prev, ok := local.Prompts[rec.ID]; ok {
			p.Pending = prev.Pending
			if p.From.Name == "" {
				p.From.Name = prev.From.Name
			}
		}
		out.Prompts[rec.ID] = p
	}
	for id, p := range local.Prompts {
		if _, ok := out.Prompts[id]; ok {
			continue
		}
		if p.ObservedAt.After(server.TakenAt) {
			out.Prompts[id] = p
		}
	}
	return out
}

// ApplyEvent folds a pushed event into local optimistically. Events that
// do not concern sess leave the state unchanged.
func ApplyEvent(local State, ev Event, sess Session, at time.Time) State {
	out := local.Clone()
	switch e := ev.(type) {
	case NewPending:
		if !sess.Staff() {
			return local
		}
		if _, ok := out.Queries[e.QueryID]; ok {
			return local
		}
		out.Queries[e.QueryID] = LocalQuery{
			Query: Query{
				ID:             e.QueryID,
				Status:         StatusPending,
				CustomerName:   e.CustomerName,
				Subject:        e.Subject,
				Category:       e.Category,
				Priority:       e.Priority,
				CreatedAt:      e.Timestamp,
				LastActivityAt: e.Timestamp,
			},
			Provisional: true,
			ObservedAt:  at,
		}

	case Accepted:
		for id, p := range out.Prompts {
			if p.QueryID == e.QueryID {
				delete(out.Prompts, id)
			}
		}
		if !ForMe(e.NewOwnerID, sess.UserID) {
			delete(out.Queries, e.QueryID)
			break
		}
		lq, ok := out.Queries[e.QueryID]
		if !ok {
			lq = LocalQuery{Query: Query{ID: e.QueryID}}
		}
		lq.Query.Status = StatusAccepted
		lq.Query.Owner = sess.UserID
		if lq.Pending == ActionAccept || lq.Pending == ActionRespond {
			lq.Pending = ActionNone
		}
		lq.Provisional = true
		lq.ObservedAt = at
		out.Queries[e.QueryID] = lq

	case TransferRequested:
		if !ForMe(e.ToCandidateID, sess.UserID) {
			return local
		}
		addPrompt(out, e.TransferID, e.QueryID, e.FromOwner, e.Reason, at)

	case TransferBroadcast:
		if ForMe(e.From.ID, sess.UserID) {
			if lq, ok := out.Queries[e.QueryID]; ok {
				lq.Query.Status = StatusTransferred
				lq.Provisional = true
				lq.ObservedAt = at
				out.Queries[e.QueryID] = lq
			}
		}
		if !ForMe(e.To.ID, sess.UserID) {
			return out
		}
		addPrompt(out, e.TransferID, e.QueryID, e.From, "", at)

	case TransferDeclined:
		if ForMe(e.CandidateID, sess.UserID) {
			delete(out.Prompts, e.TransferID)
		}
		if ForMe(e.OwnerID, sess.UserID) {
			if lq, ok := out.Queries[e.QueryID]; ok && lq.Query.Status == StatusTransferred {
				lq.Query.Status = StatusAccepted
				lq.Pending = ActionNone
				lq.Provisional = true
				lq.ObservedAt = at
				out.Queries[e.QueryID] = lq
			}
		}

	case WorkStatusChanged:
		// Directory state only; nothing in the query view changes.
		return local
	}
	return out
}

// addPrompt keeps the targeted copy's reason when the broadcast copy of
// the same request arrives second.
func addPrompt(s State, transferID, queryID string, from Party, reason string, at time.Time) {
	p, ok := s.Prompts[transferID]
	if !ok {
		p = Prompt{TransferID: transferID, QueryID: queryID, ObservedAt: at}
	}
	if p.From.ID == "" || p.From.Name == "" {
		p.From = from
	}
	if reason != "" {
		p.Reason = reason
	}
	s.Prompts[transferID] = p
}
