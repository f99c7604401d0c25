package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/querydesk/internal/core"
)

// cell holds one query. Its mutex is the per-record lock every write takes;
// there is no store-wide write lock.
type cell struct {
	mu sync.Mutex
	q  core.Query
}

// InMemory is a Store backed by maps, used by tests and the embedded server.
type InMemory struct {
	mu        sync.RWMutex // guards the indexes below, not record contents
	queries   map[string]*cell
	order     []string
	transfers map[string]string // transfer id -> query id

	actMu    sync.Mutex
	cursor   uint64
	activity map[string][]core.Activity

	staffMu sync.RWMutex
	staff   map[string]core.Staff
}

func NewInMemory() *InMemory {
	return &InMemory{
		queries:   make(map[string]*cell),
		transfers: make(map[string]string),
		activity:  make(map[string][]core.Activity),
		staff:     make(map[string]core.Staff),
	}
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) CreateQuery(ctx context.Context, q core.Query) (core.Query, error) {
	if q.ID == "" || q.CustomerID == "" {
		return core.Query{}, core.ErrInvalid
	}
	if q.Status == "" {
		q.Status = core.StatusPending
	}
	if q.TransferHistory == nil {
		q.TransferHistory = []core.TransferRecord{}
	}
	if q.LastActivityAt.IsZero() {
		q.LastActivityAt = q.CreatedAt
	}
	q.Version = 1
	if err := q.CheckInvariants(); err != nil {
		return core.Query{}, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	m.mu.Lock()
	if _, ok := m.queries[q.ID]; ok {
		m.mu.Unlock()
		return core.Query{}, fmt.Errorf("%w: query %s exists", core.ErrConflict, q.ID)
	}
	m.queries[q.ID] = &cell{q: q}
	m.order = append(m.order, q.ID)
	m.mu.Unlock()

	m.appendActivity(core.Activity{
		QueryID:   q.ID,
		Type:      core.ActivitySubmitted,
		Actor:     q.CustomerID,
		Payload:   map[string]string{"subject": q.Subject},
		CreatedAt: q.CreatedAt,
	})
	return cloneQuery(q), nil
}

func (m *InMemory) lookup(id string) (*cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.queries[id]
	return c, ok
}

func (m *InMemory) GetQuery(ctx context.Context, id string) (core.Query, error) {
	c, ok := m.lookup(id)
	if !ok {
		return core.Query{}, core.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneQuery(c.q), nil
}

func (m *InMemory) ListQueries(ctx context.Context, filter core.QueryFilter, page core.Page) ([]core.Query, error) {
	page = page.Normalize()
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var out []core.Query
	skipped := 0
	for _, id := range ids {
		c, _ := m.lookup(id)
		c.mu.Lock()
		q := c.q
		c.mu.Unlock()
		if !MatchQuery(q, filter) {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		out = append(out, cloneQuery(q))
		if len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) ApplyTransition(ctx context.Context, tr core.Transition) (core.Query, error) {
	if err := tr.Validate(); err != nil {
		return core.Query{}, err
	}
	c, ok := m.lookup(tr.QueryID)
	if !ok {
		return core.Query{}, core.ErrNotFound
	}

	c.mu.Lock()
	if tr.ResolveTransfer != nil {
		rec, found := findTransfer(c.q, tr.ResolveTransfer.TransferID)
		if !found {
			c.mu.Unlock()
			return core.Query{}, core.ErrNotFound
		}
		if !rec.Pending() {
			c.mu.Unlock()
			return core.Query{}, core.ErrAlreadyResolved
		}
	}
	if c.q.Status != tr.Expected || (tr.ExpectedOwner != "" && c.q.Owner != tr.ExpectedOwner) {
		c.mu.Unlock()
		return core.Query{}, core.ErrConflict
	}
	next := tr.Apply(c.q)
	if err := next.CheckInvariants(); err != nil {
		c.mu.Unlock()
		return core.Query{}, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}
	c.q = next
	c.mu.Unlock()

	if tr.AppendTransfer != nil {
		m.mu.Lock()
		m.transfers[tr.AppendTransfer.ID] = tr.QueryID
		m.mu.Unlock()
	}
	if tr.Activity != "" {
		m.appendActivity(core.Activity{
			QueryID:   tr.QueryID,
			Type:      tr.Activity,
			Actor:     tr.Actor,
			Payload:   tr.Payload,
			CreatedAt: tr.At,
		})
	}
	return cloneQuery(next), nil
}

func (m *InMemory) GetTransfer(ctx context.Context, id string) (core.TransferRecord, error) {
	m.mu.RLock()
	qid, ok := m.transfers[id]
	m.mu.RUnlock()
	if !ok {
		return core.TransferRecord{}, core.ErrNotFound
	}
	q, err := m.GetQuery(ctx, qid)
	if err != nil {
		return core.TransferRecord{}, err
	}
	rec, found := findTransfer(q, id)
	if !found {
		return core.TransferRecord{}, core.ErrNotFound
	}
	return rec, nil
}

func (m *InMemory) ListTransfers(ctx context.Context, filter core.TransferFilter) ([]core.TransferRecord, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var out []core.TransferRecord
	for _, id := range ids {
		if filter.QueryID != "" && id != filter.QueryID {
			continue
		}
		q, err := m.GetQuery(ctx, id)
		if err != nil {
			continue
		}
		for _, rec := range q.TransferHistory {
			if MatchTransfer(rec, filter) {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *InMemory) StaleTransfers(ctx context.Context, before time.Time) ([]core.TransferRecord, error) {
	all, err := m.ListTransfers(ctx, core.TransferFilter{Status: core.TransferRequested})
	if err != nil {
		return nil, err
	}
	var out []core.TransferRecord
	for _, rec := range all {
		if rec.RequestedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *InMemory) StalePending(ctx context.Context, before time.Time) ([]core.Query, error) {
	pending, err := m.ListQueries(ctx, core.QueryFilter{Status: []core.Status{core.StatusPending}}, core.Page{Limit: int(^uint(0) >> 1)})
	if err != nil {
		return nil, err
	}
	var out []core.Query
	for _, q := range pending {
		if q.LastActivityAt.Before(before) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *InMemory) AppendActivity(ctx context.Context, a core.Activity) (core.Activity, error) {
	if _, ok := m.lookup(a.QueryID); !ok {
		return core.Activity{}, core.ErrNotFound
	}
	return m.appendActivity(a), nil
}

func (m *InMemory) appendActivity(a core.Activity) core.Activity {
	m.actMu.Lock()
	defer m.actMu.Unlock()
	m.cursor++
	a.Cursor = m.cursor
	m.activity[a.QueryID] = append(m.activity[a.QueryID], a)
	return a
}

func (m *InMemory) Activity(ctx context.Context, queryID string, after uint64) ([]core.Activity, error) {
	if _, ok := m.lookup(queryID); !ok {
		return nil, core.ErrNotFound
	}
	m.actMu.Lock()
	defer m.actMu.Unlock()
	var out []core.Activity
	for _, a := range m.activity[queryID] {
		if a.Cursor > after {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *InMemory) UpsertStaff(ctx context.Context, s core.Staff) (core.Staff, error) {
	if s.ID == "" || !s.Role.IsStaff() {
		return core.Staff{}, core.ErrInvalid
	}
	if s.WorkStatus == "" {
		s.WorkStatus = core.WorkOffline
	}
	m.staffMu.Lock()
	defer m.staffMu.Unlock()
	m.staff[s.ID] = s
	return s, nil
}

func (m *InMemory) GetStaff(ctx context.Context, id string) (core.Staff, error) {
	m.staffMu.RLock()
	defer m.staffMu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return core.Staff{}, core.ErrNotFound
	}
	return s, nil
}

func (m *InMemory) ListStaff(ctx context.Context, role core.Role) ([]core.Staff, error) {
	m.staffMu.RLock()
	defer m.staffMu.RUnlock()
	out := make([]core.Staff, 0, len(m.staff))
	for _, s := range m.staff {
		if role != "" && s.Role != role {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) SetWorkStatus(ctx context.Context, id string, status core.WorkStatus, at time.Time) (core.Staff, error) {
	if !status.Valid() {
		return core.Staff{}, core.ErrInvalid
	}
	m.staffMu.Lock()
	defer m.staffMu.Unlock()
	s, ok := m.staff[id]
	if !ok {
		return core.Staff{}, core.ErrNotFound
	}
	s.WorkStatus = status
	s.LastSeen = at
	m.staff[id] = s
	return s, nil
}

func findTransfer(q core.Query, id string) (core.TransferRecord, bool) {
	for _, rec := range q.TransferHistory {
		if rec.ID == id {
			return rec, true
		}
	}
	return core.TransferRecord{}, false
}

func cloneQuery(q core.Query) core.Query {
	out := q
	out.TransferHistory = append([]core.TransferRecord{}, q.TransferHistory...)
	return out
}
