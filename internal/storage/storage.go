package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/querydesk/internal/core"
)

// Store is the authoritative record of queries, their transfer history and
// the staff directory. ApplyTransition is the only way status or owner
// change after creation.
type Store interface {
	CreateQuery(ctx context.Context, q core.Query) (core.Query, error)
	GetQuery(ctx context.Context, id string) (core.Query, error)
	ListQueries(ctx context.Context, filter core.QueryFilter, page core.Page) ([]core.Query, error)
	// ApplyTransition compare-and-swaps a single query. It fails with
	// core.ErrConflict when the query is no longer in tr.Expected (or held
	// by tr.ExpectedOwner), and with core.ErrAlreadyResolved when
	// tr.ResolveTransfer names a record that is no longer pending.
	ApplyTransition(ctx context.Context, tr core.Transition) (core.Query, error)

	GetTransfer(ctx context.Context, id string) (core.TransferRecord, error)
	ListTransfers(ctx context.Context, filter core.TransferFilter) ([]core.TransferRecord, error)
	// StaleTransfers lists pending transfers requested before the cutoff.
	StaleTransfers(ctx context.Context, before time.Time) ([]core.TransferRecord, error)
	// StalePending lists pending queries with no activity since the cutoff.
	StalePending(ctx context.Context, before time.Time) ([]core.Query, error)

	AppendActivity(ctx context.Context, a core.Activity) (core.Activity, error)
	Activity(ctx context.Context, queryID string, after uint64) ([]core.Activity, error)

	UpsertStaff(ctx context.Context, s core.Staff) (core.Staff, error)
	GetStaff(ctx context.Context, id string) (core.Staff, error)
	ListStaff(ctx context.Context, role core.Role) ([]core.Staff, error)
	SetWorkStatus(ctx context.Context, id string, status core.WorkStatus, at time.Time) (core.Staff, error)

	Close() error
}

// MatchQuery reports whether q passes filter. Stores without an index use it
// directly; SQL stores translate the same rules into WHERE clauses.
func MatchQuery(q core.Query, filter core.QueryFilter) bool {
	if len(filter.Status) > 0 {
		ok := false
		for _, s := range filter.Status {
			if q.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.Owner != "" && q.Owner != filter.Owner {
		return false
	}
	if filter.Category != "" && q.Category != filter.Category {
		return false
	}
	if filter.Customer != "" && q.CustomerID != filter.Customer {
		return false
	}
	return true
}

// MatchTransfer reports whether rec passes filter.
func MatchTransfer(rec core.TransferRecord, filter core.TransferFilter) bool {
	if filter.QueryID != "" && rec.QueryID != filter.QueryID {
		return false
	}
	if filter.Candidate != "" && rec.ToCandidate != filter.Candidate {
		return false
	}
	if filter.FromOwner != "" && rec.FromOwner != filter.FromOwner {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	return true
}
