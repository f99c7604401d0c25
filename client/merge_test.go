package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ann = Session{UserID: "ann", Role: RoleAgent, Name: "Ann"}
	bo  = Session{UserID: "bo", Role: RoleAgent}
)

func TestMergeServerWins(t *testing.T) {
	local := NewState()
	local.Queries["q1"] = LocalQuery{
		Query:       Query{ID: "q1", Status: StatusAccepted, Owner: "ann"},
		Provisional: true,
		ObservedAt:  t0,
	}
	snap := Snapshot{
		Queries: []Query{{ID: "q1", Status: StatusPending, Version: 3}},
		TakenAt: t0.Add(time.Second),
	}

	out := Merge(local, snap)
	got := out.Queries["q1"]
	assert.Equal(t, StatusPending, got.Query.Status)
	assert.Empty(t, got.Query.Owner)
	assert.False(t, got.Provisional)
	assert.Equal(t, snap.TakenAt, got.ObservedAt)
}

func TestMergeKeepsInFlightMark(t *testing.T) {
	local := NewState()
	local.Queries["q1"] = LocalQuery{Query: Query{ID: "q1", Status: StatusAccepted, Owner: "ann"}, Pending: ActionAccept, ObservedAt: t0}
	out := Merge(local, Snapshot{Queries: []Query{{ID: "q1", Status: StatusPending}}, TakenAt: t0.Add(time.Second)})
	assert.Equal(t, ActionAccept, out.Queries["q1"].Pending)
	assert.Equal(t, StatusPending, out.Queries["q1"].Query.Status)
}

func TestMergeDropsStaleLocalOnlyEntries(t *testing.T) {
	local := NewState()
	local.Queries["old"] = LocalQuery{Query: Query{ID: "old"}, ObservedAt: t0}
	local.Queries["fresh"] = LocalQuery{Query: Query{ID: "fresh"}, Provisional: true, ObservedAt: t0.Add(2 * time.Second)}
	local.Prompts["t-old"] = Prompt{TransferID: "t-old", ObservedAt: t0}
	local.Prompts["t-fresh"] = Prompt{TransferID: "t-fresh", ObservedAt: t0.Add(2 * time.Second)}

	out := Merge(local, Snapshot{TakenAt: t0.Add(time.Second)})
	assert.NotContains(t, out.Queries, "old")
	assert.Contains(t, out.Queries, "fresh")
	assert.NotContains(t, out.Prompts, "t-old")
	assert.Contains(t, out.Prompts, "t-fresh")
}

func TestMergePrompts(t *testing.T) {
	local := NewState()
	local.Prompts["t1"] = Prompt{TransferID: "t1", From: Party{ID: "ann", Name: "Ann"}, Pending: ActionRespond, ObservedAt: t0}
	snap := Snapshot{
		Prompts: []TransferRecord{
			{ID: "t1", QueryID: "q1", FromOwner: "ann", ToCandidate: "bo", Reason: "lunch", Status: TransferStatusRequested},
			{ID: "t2", QueryID: "q2", FromOwner: "cy", ToCandidate: "bo", Status: TransferStatusDeclined},
		},
		TakenAt: t0.Add(time.Second),
	}
	out := Merge(local, snap)
	require.Len(t, out.Prompts, 1)
	p := out.Prompts["t1"]
	assert.Equal(t, "q1", p.QueryID)
	assert.Equal(t, "lunch", p.Reason)
	assert.Equal(t, "Ann", p.From.Name)
	assert.Equal(t, ActionRespond, p.Pending)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	local := NewState()
	local.Queries["q1"] = LocalQuery{Query: Query{ID: "q1", Status: StatusAccepted}, ObservedAt: t0}
	_ = Merge(local, Snapshot{Queries: []Query{{ID: "q1", Status: StatusResolved}}, TakenAt: t0.Add(time.Second)})
	assert.Equal(t, StatusAccepted, local.Queries["q1"].Query.Status)
}

func TestApplyNewPending(t *testing.T) {
	ev := NewPending{Meta: Meta{ID: "n1"}, QueryID: "q1", Subject: "refund", Timestamp: t0}
	out := ApplyEvent(NewState(), ev, ann, t0)
	require.Contains(t, out.Queries, "q1")
	assert.Equal(t, StatusPending, out.Queries["q1"].Query.Status)
	assert.True(t, out.Queries["q1"].Provisional)

	cust := Session{UserID: "c", Role: RoleCustomer}
	assert.Empty(t, ApplyEvent(NewState(), ev, cust, t0).Queries)
}

func TestApplyAcceptedByOtherRemovesQuery(t *testing.T) {
	local := ApplyEvent(NewState(), NewPending{QueryID: "q1", Subject: "s"}, ann, t0)
	out := ApplyEvent(local, Accepted{QueryID: "q1", NewOwnerID: "bo"}, ann, t0)
	assert.NotContains(t, out.Queries, "q1")
	assert.Contains(t, local.Queries, "q1", "input state must not change")
}

func TestApplyAcceptedForMe(t *testing.T) {
	local := NewState()
	local.Queries["q1"] = LocalQuery{Query: Query{ID: "q1", Status: StatusPending, Subject: "s"}, Pending: ActionAccept}
	out := ApplyEvent(local, Accepted{QueryID: "q1", NewOwnerID: "ann"}, ann, t0)
	got := out.Queries["q1"]
	assert.Equal(t, StatusAccepted, got.Query.Status)
	assert.Equal(t, "ann", got.Query.Owner)
	assert.Equal(t, ActionNone, got.Pending)
}

func TestApplyTransferBroadcastFiltersByIdentity(t *testing.T) {
	ev := TransferBroadcast{QueryID: "q1", TransferID: "t1", From: Party{ID: "ann"}, To: Party{ID: "bo"}}
	cy := Session{UserID: "cy", Role: RoleAgent}

	assert.Empty(t, ApplyEvent(NewState(), ev, cy, t0).Prompts)
	out := ApplyEvent(NewState(), ev, bo, t0)
	require.Contains(t, out.Prompts, "t1")
	assert.Equal(t, "ann", out.Prompts["t1"].From.ID)

	owned := NewState()
	owned.Queries["q1"] = LocalQuery{Query: Query{ID: "q1", Status: StatusInProgress, Owner: "ann"}}
	out = ApplyEvent(owned, ev, ann, t0)
	assert.Equal(t, StatusTransferred, out.Queries["q1"].Query.Status)
	assert.Empty(t, out.Prompts)
}

func TestApplyTargetedThenBroadcastKeepsReason(t *testing.T) {
	targeted := TransferRequested{QueryID: "q1", TransferID: "t1", FromOwner: Party{ID: "ann", Name: "Ann"}, ToCandidateID: "bo", Reason: "lunch"}
	broadcast := TransferBroadcast{QueryID: "q1", TransferID: "t1", From: Party{ID: "ann"}, To: Party{ID: "bo"}}
	out := ApplyEvent(ApplyEvent(NewState(), targeted, bo, t0), broadcast, bo, t0)
	require.Len(t, out.Prompts, 1)
	assert.Equal(t, "lunch", out.Prompts["t1"].Reason)
	assert.Equal(t, "Ann", out.Prompts["t1"].From.Name)
}

func TestApplyTransferDeclined(t *testing.T) {
	local := NewState()
	local.Queries["q1"] = LocalQuery{Query: Query{ID: "q1", Status: StatusTransferred, Owner: "ann"}}
	local.Prompts["t1"] = Prompt{TransferID: "t1", QueryID: "q1"}
	ev := TransferDeclined{QueryID: "q1", TransferID: "t1", OwnerID: "ann", CandidateID: "bo", Outcome: "declined"}

	assert.Equal(t, StatusAccepted, ApplyEvent(local, ev, ann, t0).Queries["q1"].Query.Status)
	assert.NotContains(t, ApplyEvent(local, ev, bo, t0).Prompts, "t1")
}
