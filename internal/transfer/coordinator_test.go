package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
	"github.com/mistakeknot/querydesk/internal/storage"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

var (
	ownerA = core.Identity{UserID: "agent-a", Role: core.RoleAgent, Name: "Ann"}
	candB  = core.Identity{UserID: "agent-b", Role: core.RoleAgent, Name: "Bo"}
	otherC = core.Identity{UserID: "agent-c", Role: core.RoleAgent, Name: "Cy"}
	leadL  = core.Identity{UserID: "lead-l", Role: core.RoleTeamLead, Name: "Lee"}
)

type fixture struct {
	coord *Coordinator
	store *storage.InMemory
	rec   *fanout.Recorder
	clock *clock.FakeClock
}

// newFixture seeds one query owned by agent-a and registers a, b, c, the
// lead and an admin.
func newFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewInMemory()
	fc := clock.NewFake(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	rec := &fanout.Recorder{}

	for _, s := range []core.Staff{
		{ID: "agent-a", Role: core.RoleAgent},
		{ID: "agent-b", Role: core.RoleAgent},
		{ID: "agent-c", Role: core.RoleQA},
		{ID: "lead-l", Role: core.RoleTeamLead},
		{ID: "admin-z", Role: core.RoleAdmin},
	} {
		_, err := st.UpsertStaff(ctx, s)
		require.NoError(t, err)
	}
	_, err := st.CreateQuery(ctx, core.Query{ID: "PET-TEST001", CustomerID: "cust", Subject: "s", CreatedAt: fc.Now()})
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "PET-TEST001", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "agent-a", At: fc.Now()})
	require.NoError(t, err)

	return &fixture{coord: NewCoordinator(st, rec, WithClock(fc)), store: st, rec: rec, clock: fc}, "PET-TEST001"
}

func TestRequestTransferChecks(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestTransfer(ctx, candB, qid, "agent-c", "")
	assert.ErrorIs(t, err, core.ErrNotOwner)

	_, err = f.coord.RequestTransfer(ctx, ownerA, qid, "admin-z", "")
	assert.ErrorIs(t, err, core.ErrInvalidRole)

	_, err = f.coord.RequestTransfer(ctx, ownerA, qid, "ghost", "")
	assert.ErrorIs(t, err, core.ErrInvalidRole)

	_, err = f.coord.RequestTransfer(ctx, ownerA, qid, ownerA.UserID, "")
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = f.coord.RequestTransfer(ctx, ownerA, "PET-NOPE000", "agent-b", "")
	assert.ErrorIs(t, err, core.ErrNotFound)

	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", " going off shift ")
	require.NoError(t, err)
	assert.Equal(t, "going off shift", rec.Reason)
	assert.Equal(t, core.TransferRequested, rec.Status)

	_, err = f.coord.RequestTransfer(ctx, ownerA, qid, "agent-c", "")
	assert.ErrorIs(t, err, core.ErrTransferPending)

	q, err := f.store.GetQuery(ctx, qid)
	require.NoError(t, err)
	assert.Equal(t, core.StatusTransferred, q.Status)
	assert.Equal(t, ownerA.UserID, q.Owner, "owner is kept during the handshake")
	require.NoError(t, q.CheckInvariants())

	sent := f.rec.Notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, core.KindTransferRequested, sent[0].Kind)
	assert.Equal(t, []string{"agent-b"}, sent[0].Targets)
}

func TestAcceptTransfer(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)
	f.rec.Reset()

	_, err = f.coord.RespondToTransfer(ctx, otherC, rec.ID, Accept)
	assert.ErrorIs(t, err, core.ErrNotCandidate)
	_, err = f.coord.RespondToTransfer(ctx, candB, "missing", Accept)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.coord.RespondToTransfer(ctx, candB, rec.ID, "maybe")
	assert.ErrorIs(t, err, core.ErrInvalid)

	q, err := f.coord.RespondToTransfer(ctx, candB, rec.ID, Accept)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, q.Status)
	assert.Equal(t, candB.UserID, q.Owner)
	require.Len(t, q.TransferHistory, 1)
	assert.Equal(t, core.TransferAccepted, q.TransferHistory[0].Status)

	sent := f.rec.Notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, core.KindAccepted, sent[0].Kind)
	assert.Contains(t, sent[0].Targets, ownerA.UserID, "previous owner is informed")

	_, err = f.coord.RespondToTransfer(ctx, candB, rec.ID, Decline)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	q, _ = f.store.GetQuery(ctx, qid)
	assert.Equal(t, candB.UserID, q.Owner, "late decline must not alter owner")
}

func TestDeclineKeepsOriginalOwner(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)

	q, err := f.coord.RespondToTransfer(ctx, candB, rec.ID, Decline)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, q.Status)
	assert.Equal(t, ownerA.UserID, q.Owner)
	assert.Equal(t, core.OutcomeDeclined, q.TransferHistory[0].Outcome)

	// A new handshake may start once the previous one is closed.
	_, err = f.coord.RequestTransfer(ctx, ownerA, qid, "agent-c", "")
	require.NoError(t, err)
}

func TestConcurrentRetriedAccept(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)
	f.rec.Reset()

	var ok, resolved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.RespondToTransfer(ctx, candB, rec.ID, Accept)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, core.ErrAlreadyResolved):
				resolved.Add(1)
			default:
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), resolved.Load())
	assert.Len(t, f.rec.Notifications(), 1)
	q, _ := f.store.GetQuery(ctx, qid)
	assert.Equal(t, int64(4), q.Version, "create, accept, request, one response")
}

func TestCancelTransfer(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)

	_, err = f.coord.CancelTransfer(ctx, otherC, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotOwner)

	q, err := f.coord.CancelTransfer(ctx, leadL, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ownerA.UserID, q.Owner)
	assert.Equal(t, core.OutcomeCancelled, q.TransferHistory[0].Outcome)

	_, err = f.coord.RespondToTransfer(ctx, candB, rec.ID, Accept)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
}

func TestSweepTimesOutStaleRequests(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	rec, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)
	f.rec.Reset()

	n, err := f.coord.SweepExpired(ctx, f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.coord.SweepExpired(ctx, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetTransfer(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TransferDeclined, got.Status)
	assert.Equal(t, core.OutcomeTimedOut, got.Outcome)
	assert.Equal(t, []core.NotificationKind{core.KindTransferDeclined}, f.rec.Kinds())

	q, _ := f.store.GetQuery(ctx, qid)
	assert.Equal(t, ownerA.UserID, q.Owner)
	assert.Equal(t, core.StatusAccepted, q.Status)
}

func TestListIncoming(t *testing.T) {
	f, qid := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.RequestTransfer(ctx, ownerA, qid, "agent-b", "")
	require.NoError(t, err)

	incoming, err := f.coord.List(ctx, core.TransferFilter{Candidate: "agent-b", Status: core.TransferRequested})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	none, err := f.coord.List(ctx, core.TransferFilter{Candidate: "agent-c"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
