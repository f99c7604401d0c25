package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusExpired},
		{StatusAccepted, StatusInProgress},
		{StatusAccepted, StatusTransferred},
		{StatusAccepted, StatusResolved},
		{StatusInProgress, StatusTransferred},
		{StatusInProgress, StatusResolved},
		{StatusTransferred, StatusAccepted},
		{StatusResolved, StatusPending},
		{StatusExpired, StatusPending},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	illegal := [][2]Status{
		{StatusPending, StatusResolved},
		{StatusPending, StatusTransferred},
		{StatusTransferred, StatusResolved},
		{StatusResolved, StatusAccepted},
		{StatusExpired, StatusAccepted},
		{StatusInProgress, StatusAccepted},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestTransitionValidate(t *testing.T) {
	t.Run("resolve from pending is rejected", func(t *testing.T) {
		err := Transition{QueryID: "q1", Expected: StatusPending, Next: StatusResolved}.Validate()
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("owned target needs owner", func(t *testing.T) {
		err := Transition{QueryID: "q1", Expected: StatusPending, Next: StatusAccepted}.Validate()
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("transfer needs a record", func(t *testing.T) {
		err := Transition{QueryID: "q1", Expected: StatusAccepted, Next: StatusTransferred, Owner: "a"}.Validate()
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("leaving transferred must close the record", func(t *testing.T) {
		err := Transition{QueryID: "q1", Expected: StatusTransferred, Next: StatusAccepted, Owner: "a"}.Validate()
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("accept", func(t *testing.T) {
		err := Transition{QueryID: "q1", Expected: StatusPending, Next: StatusAccepted, Owner: "a"}.Validate()
		require.NoError(t, err)
	})
}

func TestTransitionApply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := Query{ID: "q1", Status: StatusAccepted, Owner: "a", Version: 3}

	rec := TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Status: TransferRequested, RequestedAt: now}
	requested := Transition{
		QueryID: "q1", Expected: StatusAccepted, Next: StatusTransferred,
		Owner: "a", AppendTransfer: &rec, At: now,
	}.Apply(q)
	require.NoError(t, requested.CheckInvariants())
	assert.Equal(t, int64(4), requested.Version)
	assert.Equal(t, "a", requested.Owner)
	assert.Len(t, q.TransferHistory, 0, "input must not be mutated")

	accepted := Transition{
		QueryID: "q1", Expected: StatusTransferred, Next: StatusAccepted, Owner: "b",
		ResolveTransfer: &TransferResolution{TransferID: "t1", Status: TransferAccepted, Outcome: OutcomeAccepted},
		At:              now.Add(time.Minute),
	}.Apply(requested)
	require.NoError(t, accepted.CheckInvariants())
	assert.Equal(t, "b", accepted.Owner)
	require.Len(t, accepted.TransferHistory, 1)
	assert.Equal(t, TransferAccepted, accepted.TransferHistory[0].Status)
	require.NotNil(t, accepted.TransferHistory[0].ResolvedAt)
	assert.True(t, requested.TransferHistory[0].Pending(), "earlier snapshot keeps its record")

	resolved := Transition{QueryID: "q1", Expected: StatusAccepted, Next: StatusResolved, At: now}.Apply(accepted)
	assert.Empty(t, resolved.Owner)
	reopened := Transition{QueryID: "q1", Expected: StatusResolved, Next: StatusPending, At: now}.Apply(resolved)
	assert.Empty(t, reopened.Owner)
	assert.Equal(t, StatusPending, reopened.Status)
	assert.Equal(t, accepted.TransferHistory, reopened.TransferHistory)
}

func TestCheckInvariants(t *testing.T) {
	cases := []struct {
		name string
		q    Query
		ok   bool
	}{
		{"pending unowned", Query{ID: "q", Status: StatusPending}, true},
		{"pending owned", Query{ID: "q", Status: StatusPending, Owner: "a"}, false},
		{"accepted unowned", Query{ID: "q", Status: StatusAccepted}, false},
		{"transferred without record", Query{ID: "q", Status: StatusTransferred, Owner: "a"}, false},
		{"two pending records", Query{ID: "q", Status: StatusTransferred, Owner: "a", TransferHistory: []TransferRecord{
			{ID: "t1", Status: TransferRequested}, {ID: "t2", Status: TransferRequested},
		}}, false},
		{"bad status", Query{ID: "q", Status: "weird"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.q.CheckInvariants()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestKindRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalid, ErrConflict, ErrAlreadyClaimed, ErrAlreadyResolved,
		ErrInvalidTransition, ErrNotOwner, ErrNotCandidate, ErrInvalidRole, ErrTransferPending, ErrUnavailable,
	} {
		wrapped := errors.Join(errors.New("context"), sentinel)
		assert.ErrorIs(t, ErrorForKind(Kind(wrapped)), sentinel)
	}
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Nil(t, ErrorForKind("internal"))
}

func TestNotificationRouting(t *testing.T) {
	now := time.Now()
	rec := TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Reason: "night shift"}
	n := TransferRequestedNotification(rec, Party{ID: "a", Name: "Ann"}, now)

	assert.Equal(t, EventTransferRequest, n.Kind.TargetedEvent())
	assert.Equal(t, EventQueryTransferRequested, n.Kind.BroadcastEvent())
	assert.Equal(t, []string{"b"}, n.Targets)
	bp, ok := n.BroadcastPayload.(TransferBroadcastPayload)
	require.True(t, ok)
	assert.Equal(t, "b", bp.To.ID)

	acc := AcceptedNotification(Query{ID: "q1", Owner: "b"}, "a", "t1", now)
	assert.ElementsMatch(t, []string{"b", "a"}, acc.Targets)
	assert.NotEqual(t, n.ID, acc.ID)
}
