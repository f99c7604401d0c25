package core

import "time"

var legalTransitions = map[Status][]Status{
	StatusPending:     {StatusAccepted, StatusExpired},
	StatusAccepted:    {StatusInProgress, StatusTransferred, StatusResolved},
	StatusInProgress:  {StatusTransferred, StatusResolved},
	StatusTransferred: {StatusAccepted},
	StatusResolved:    {StatusPending},
	StatusExpired:     {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransferResolution closes the open transfer record as part of a transition.
type TransferResolution struct {
	TransferID string
	Status     TransferStatus
	Outcome    string
}

// Transition is a compare-and-swap request against a single query.
//
// The store applies it atomically: the query must still be in Expected
// (and, when ExpectedOwner is set, still held by that owner), otherwise the
// call fails with ErrConflict and nothing changes.
type Transition struct {
	QueryID       string
	Expected      Status
	ExpectedOwner string
	Next          Status
	// Owner is the owner after the transition. It is ignored for unowned
	// target statuses, which always clear ownership.
	Owner           string
	AppendTransfer  *TransferRecord
	ResolveTransfer *TransferResolution
	Actor           string
	Activity        ActivityType
	Payload         map[string]string
	At              time.Time
}

// Validate checks the transition against the lifecycle graph and the
// ownership invariant before it reaches storage.
func (t Transition) Validate() error {
	if t.QueryID == "" {
		return ErrInvalid
	}
	if t.Expected != t.Next && !CanTransition(t.Expected, t.Next) {
		return ErrInvalidTransition
	}
	if t.Next.Owned() && t.Owner == "" {
		return ErrInvalid
	}
	if t.Next == StatusTransferred && t.AppendTransfer == nil && t.Expected != StatusTransferred {
		return ErrInvalid
	}
	if t.Expected == StatusTransferred && t.Next != StatusTransferred && t.ResolveTransfer == nil {
		return ErrInvalid
	}
	return nil
}

// Apply returns q after the transition. It does not check Expected; callers
// do that under whatever lock or statement guards the row.
func (t Transition) Apply(q Query) Query {
	out := q
	out.TransferHistory = append([]TransferRecord(nil), q.TransferHistory...)
	out.Status = t.Next
	if t.Next.Owned() {
		out.Owner = t.Owner
	} else {
		out.Owner = ""
	}
	if t.ResolveTransfer != nil {
		for i := range out.TransferHistory {
			rec := &out.TransferHistory[i]
			if rec.ID == t.ResolveTransfer.TransferID && rec.Pending() {
				at := t.At
				rec.Status = t.ResolveTransfer.Status
				rec.Outcome = t.ResolveTransfer.Outcome
				rec.ResolvedAt = &at
			}
		}
	}
	if t.AppendTransfer != nil {
		out.TransferHistory = append(out.TransferHistory, *t.AppendTransfer)
	}
	out.Version = q.Version + 1
	out.LastActivityAt = t.At
	return out
}
