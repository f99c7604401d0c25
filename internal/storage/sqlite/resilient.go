package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every *Store call through a CircuitBreaker and retries
// "database is locked" errors with backoff.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient uses a breaker with threshold 5 and a 30s reset timeout.
func NewResilient(inner *Store, opts ...BreakerOption) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second, opts...))
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

// CircuitBreakerState reports the breaker state for health output.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func guard[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return retryBusy(ctx, r.retry, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) CreateQuery(ctx context.Context, q core.Query) (core.Query, error) {
	return guard(ctx, r, func() (core.Query, error) { return r.inner.CreateQuery(ctx, q) })
}

func (r *ResilientStore) GetQuery(ctx context.Context, id string) (core.Query, error) {
	return guard(ctx, r, func() (core.Query, error) { return r.inner.GetQuery(ctx, id) })
}

func (r *ResilientStore) ListQueries(ctx context.Context, filter core.QueryFilter, page core.Page) ([]core.Query, error) {
	return guard(ctx, r, func() ([]core.Query, error) { return r.inner.ListQueries(ctx, filter, page) })
}

func (r *ResilientStore) ApplyTransition(ctx context.Context, tr core.Transition) (core.Query, error) {
	return guard(ctx, r, func() (core.Query, error) { return r.inner.ApplyTransition(ctx, tr) })
}

func (r *ResilientStore) GetTransfer(ctx context.Context, id string) (core.TransferRecord, error) {
	return guard(ctx, r, func() (core.TransferRecord, error) { return r.inner.GetTransfer(ctx, id) })
}

func (r *ResilientStore) ListTransfers(ctx context.Context, filter core.TransferFilter) ([]core.TransferRecord, error) {
	return guard(ctx, r, func() ([]core.TransferRecord, error) { return r.inner.ListTransfers(ctx, filter) })
}

func (r *ResilientStore) StaleTransfers(ctx context.Context, before time.Time) ([]core.TransferRecord, error) {
	return guard(ctx, r, func() ([]core.TransferRecord, error) { return r.inner.StaleTransfers(ctx, before) })
}

func (r *ResilientStore) StalePending(ctx context.Context, before time.Time) ([]core.Query, error) {
	return guard(ctx, r, func() ([]core.Query, error) { return r.inner.StalePending(ctx, before) })
}

func (r *ResilientStore) AppendActivity(ctx context.Context, a core.Activity) (core.Activity, error) {
	return guard(ctx, r, func() (core.Activity, error) { return r.inner.AppendActivity(ctx, a) })
}

func (r *ResilientStore) Activity(ctx context.Context, queryID string, after uint64) ([]core.Activity, error) {
	return guard(ctx, r, func() ([]core.Activity, error) { return r.inner.Activity(ctx, queryID, after) })
}

func (r *ResilientStore) UpsertStaff(ctx context.Context, s core.Staff) (core.Staff, error) {
	return guard(ctx, r, func() (core.Staff, error) { return r.inner.UpsertStaff(ctx, s) })
}

func (r *ResilientStore) GetStaff(ctx context.Context, id string) (core.Staff, error) {
	return guard(ctx, r, func() (core.Staff, error) { return r.inner.GetStaff(ctx, id) })
}

func (r *ResilientStore) ListStaff(ctx context.Context, role core.Role) ([]core.Staff, error) {
	return guard(ctx, r, func() ([]core.Staff, error) { return r.inner.ListStaff(ctx, role) })
}

func (r *ResilientStore) SetWorkStatus(ctx context.Context, id string, status core.WorkStatus, at time.Time) (core.Staff, error) {
	return guard(ctx, r, func() (core.Staff, error) { return r.inner.SetWorkStatus(ctx, id, status, at) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
