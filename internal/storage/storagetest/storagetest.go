// Package storagetest holds behaviour checks shared by every Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/storage"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewQuery builds a pending query fixture.
func NewQuery(id string) core.Query {
	return core.Query{
		ID:           id,
		Status:       core.StatusPending,
		CustomerID:   "cust-" + id,
		CustomerName: "Customer " + id,
		Subject:      "cannot log in",
		Category:     "account",
		Priority:     "high",
		CreatedAt:    epoch,
	}
}

// Run executes the shared suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CASConflict", func(t *testing.T) { testCASConflict(t, newStore(t)) })
	t.Run("TransferLifecycle", func(t *testing.T) { testTransferLifecycle(t, newStore(t)) })
	t.Run("ResolveReopenKeepsHistory", func(t *testing.T) { testResolveReopen(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("Stale", func(t *testing.T) { testStale(t, newStore(t)) })
	t.Run("Staff", func(t *testing.T) { testStaff(t, newStore(t)) })
	t.Run("ConcurrentAccept", func(t *testing.T) { testConcurrentAccept(t, newStore(t)) })
	t.Run("TransitionReturnsOwnState", func(t *testing.T) { testTransitionReturnsOwnState(t, newStore(t)) })
	t.Run("TransitionRejectsBrokenInvariant", func(t *testing.T) { testTransitionRejectsBrokenInvariant(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, st storage.Store) {
	ctx := context.Background()
	q, err := st.CreateQuery(ctx, NewQuery("PET-0000001"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Version)

	got, err := st.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "Customer PET-0000001", got.CustomerName)
	assert.Empty(t, got.TransferHistory)

	_, err = st.GetQuery(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = st.CreateQuery(ctx, NewQuery("PET-0000001"))
	assert.ErrorIs(t, err, core.ErrConflict)

	acts, err := st.Activity(ctx, q.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, core.ActivitySubmitted, acts[0].Type)
}

func testCASConflict(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.CreateQuery(ctx, NewQuery("q1"))
	require.NoError(t, err)

	accept := core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", Actor: "a", Activity: core.ActivityAccepted, At: epoch}
	q, err := st.ApplyTransition(ctx, accept)
	require.NoError(t, err)
	assert.Equal(t, "a", q.Owner)
	assert.Equal(t, int64(2), q.Version)

	accept.Owner, accept.Actor = "b", "b"
	_, err = st.ApplyTransition(ctx, accept)
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusAccepted, ExpectedOwner: "b", Next: core.StatusResolved, At: epoch})
	assert.ErrorIs(t, err, core.ErrConflict, "owner guard")

	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusResolved, At: epoch})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "nope", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := st.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Owner)
	require.NoError(t, got.CheckInvariants())
}

func testTransferLifecycle(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.CreateQuery(ctx, NewQuery("q1"))
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	require.NoError(t, err)

	rec := core.TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Reason: "shift end", Status: core.TransferRequested, RequestedAt: epoch}
	q, err := st.ApplyTransition(ctx, core.Transition{
		QueryID: "q1", Expected: core.StatusAccepted, ExpectedOwner: "a", Next: core.StatusTransferred,
		Owner: "a", AppendTransfer: &rec, Activity: core.ActivityTransferRequested, Actor: "a", At: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusTransferred, q.Status)
	assert.Equal(t, "a", q.Owner)

	got, err := st.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "shift end", got.Reason)
	assert.True(t, got.Pending())

	incoming, err := st.ListTransfers(ctx, core.TransferFilter{Candidate: "b", Status: core.TransferRequested})
	require.NoError(t, err)
	require.Len(t, incoming, 1)

	accept := core.Transition{
		QueryID: "q1", Expected: core.StatusTransferred, Next: core.StatusAccepted, Owner: "b",
		ResolveTransfer: &core.TransferResolution{TransferID: "t1", Status: core.TransferAccepted, Outcome: core.OutcomeAccepted},
		At:              epoch.Add(time.Minute),
	}
	q, err = st.ApplyTransition(ctx, accept)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Owner)

	_, err = st.ApplyTransition(ctx, accept)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)

	got, err = st.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TransferAccepted, got.Status)
	require.NotNil(t, got.ResolvedAt)

	_, err = st.GetTransfer(ctx, "t-missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testResolveReopen(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.CreateQuery(ctx, NewQuery("q1"))
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	require.NoError(t, err)
	rec := core.TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Status: core.TransferRequested, RequestedAt: epoch}
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusAccepted, Next: core.StatusTransferred, Owner: "a", AppendTransfer: &rec, At: epoch})
	require.NoError(t, err)
	before, err := st.ApplyTransition(ctx, core.Transition{
		QueryID: "q1", Expected: core.StatusTransferred, Next: core.StatusAccepted, Owner: "a",
		ResolveTransfer: &core.TransferResolution{TransferID: "t1", Status: core.TransferDeclined, Outcome: core.OutcomeDeclined},
		At:              epoch,
	})
	require.NoError(t, err)

	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusAccepted, Next: core.StatusResolved, At: epoch})
	require.NoError(t, err)
	q, err := st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusResolved, Next: core.StatusPending, At: epoch})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, q.Status)
	assert.Empty(t, q.Owner)
	require.Len(t, q.TransferHistory, 1)
	assert.Equal(t, before.TransferHistory[0].ID, q.TransferHistory[0].ID)
	assert.Equal(t, before.TransferHistory[0].Status, q.TransferHistory[0].Status)
	assert.Equal(t, before.TransferHistory[0].Outcome, q.TransferHistory[0].Outcome)
}

func testListFilters(t *testing.T, st storage.Store) {
	ctx := context.Background()
	for _, id := range []string{"q1", "q2", "q3"} {
		_, err := st.CreateQuery(ctx, NewQuery(id))
		require.NoError(t, err)
	}
	_, err := st.ApplyTransition(ctx, core.Transition{QueryID: "q2", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	require.NoError(t, err)

	pending, err := st.ListQueries(ctx, core.QueryFilter{Status: []core.Status{core.StatusPending}}, core.Page{})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	mine, err := st.ListQueries(ctx, core.QueryFilter{Owner: "a"}, core.Page{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "q2", mine[0].ID)

	page, err := st.ListQueries(ctx, core.QueryFilter{}, core.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "q2", page[0].ID)
	assert.Equal(t, "q3", page[1].ID)
}

func testStale(t *testing.T, st storage.Store) {
	ctx := context.Background()
	old := NewQuery("old")
	old.CreatedAt = epoch.Add(-48 * time.Hour)
	_, err := st.CreateQuery(ctx, old)
	require.NoError(t, err)
	_, err = st.CreateQuery(ctx, NewQuery("fresh"))
	require.NoError(t, err)

	stale, err := st.StalePending(ctx, epoch.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "fresh", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	require.NoError(t, err)
	rec := core.TransferRecord{ID: "t1", QueryID: "fresh", FromOwner: "a", ToCandidate: "b", Status: core.TransferRequested, RequestedAt: epoch}
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "fresh", Expected: core.StatusAccepted, Next: core.StatusTransferred, Owner: "a", AppendTransfer: &rec, At: epoch})
	require.NoError(t, err)

	none, err := st.StaleTransfers(ctx, epoch)
	require.NoError(t, err)
	assert.Empty(t, none)
	due, err := st.StaleTransfers(ctx, epoch.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].ID)
}

func testStaff(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.UpsertStaff(ctx, core.Staff{ID: "a", Name: "Ann", Role: core.RoleAgent})
	require.NoError(t, err)
	_, err = st.UpsertStaff(ctx, core.Staff{ID: "l", Name: "Lee", Role: core.RoleTeamLead})
	require.NoError(t, err)
	_, err = st.UpsertStaff(ctx, core.Staff{ID: "c", Role: core.RoleCustomer})
	assert.ErrorIs(t, err, core.ErrInvalid)

	s, err := st.GetStaff(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, core.WorkOffline, s.WorkStatus)

	s, err = st.SetWorkStatus(ctx, "a", core.WorkAvailable, epoch)
	require.NoError(t, err)
	assert.Equal(t, core.WorkAvailable, s.WorkStatus)

	_, err = st.SetWorkStatus(ctx, "ghost", core.WorkBusy, epoch)
	assert.ErrorIs(t, err, core.ErrNotFound)

	agents, err := st.ListStaff(ctx, core.RoleAgent)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Ann", agents[0].Name)
}

func testConcurrentAccept(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.CreateQuery(ctx, NewQuery("q1"))
	require.NoError(t, err)

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			owner := string(rune('a' + i))
			_, err := st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: owner, At: epoch})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
	q, err := st.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, q.Status)
	assert.Equal(t, int64(2), q.Version)
}

// A successful transition reports the row it wrote, even when another
// writer moves the query on immediately afterwards.
func testTransitionReturnsOwnState(t *testing.T, st storage.Store) {
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		_, err := st.CreateQuery(ctx, NewQuery(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("q%d", i)
		owner := fmt.Sprintf("agent-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			q, err := st.ApplyTransition(ctx, core.Transition{QueryID: id, Expected: core.StatusPending, Next: core.StatusAccepted, Owner: owner, At: epoch})
			if err != nil {
				t.Errorf("accept %s: %v", id, err)
				return
			}
			if q.Status != core.StatusAccepted || q.Owner != owner || q.Version != 2 {
				t.Errorf("accept %s returned status=%s owner=%q version=%d", id, q.Status, q.Owner, q.Version)
			}
		}()
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				q, err := st.ApplyTransition(ctx, core.Transition{QueryID: id, Expected: core.StatusAccepted, Next: core.StatusResolved, At: epoch})
				if err == nil {
					if q.Status != core.StatusResolved || q.Owner != "" {
						t.Errorf("resolve %s returned status=%s owner=%q", id, q.Status, q.Owner)
					}
					return
				}
				if !errors.Is(err, core.ErrConflict) {
					t.Errorf("resolve %s: %v", id, err)
					return
				}
			}
			t.Errorf("resolve %s never applied", id)
		}()
	}
	wg.Wait()
}

// A transition whose result would leave a pending transfer on a query that
// is not transferred is rejected and leaves nothing behind.
func testTransitionRejectsBrokenInvariant(t *testing.T, st storage.Store) {
	ctx := context.Background()
	_, err := st.CreateQuery(ctx, NewQuery("q1"))
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: epoch})
	require.NoError(t, err)

	rec := core.TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Status: core.TransferRequested, RequestedAt: epoch}
	_, err = st.ApplyTransition(ctx, core.Transition{
		QueryID: "q1", Expected: core.StatusAccepted, Next: core.StatusAccepted, Owner: "a", AppendTransfer: &rec, At: epoch,
	})
	require.ErrorIs(t, err, core.ErrInvalid)

	q, err := st.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, q.Status)
	assert.Equal(t, int64(2), q.Version)
	assert.Empty(t, q.TransferHistory)
	_, err = st.GetTransfer(ctx, "t1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
