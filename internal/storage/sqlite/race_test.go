package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/storage/storagetest"
)

// newRaceStore creates a file-backed WAL store; ":memory:" would hide
// contention behind a single private database.
func newRaceStore(t *testing.T) *ResilientStore {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewResilient(st)
}

// TestConcurrentClaimsSingleWinner races 20 agents for each of 10 queries.
func TestConcurrentClaimsSingleWinner(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const queries, agents = 10, 20

	for i := 0; i < queries; i++ {
		_, err := st.CreateQuery(ctx, storagetest.NewQuery(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}

	var wins, conflicts atomic.Int64
	winners := make([]string, queries)
	var wg sync.WaitGroup
	for i := 0; i < queries; i++ {
		for a := 0; a < agents; a++ {
			wg.Add(1)
			go func(i int, agent string) {
				defer wg.Done()
				qid := fmt.Sprintf("q%d", i)
				q, err := st.ApplyTransition(ctx, core.Transition{
					QueryID: qid, Expected: core.StatusPending, Next: core.StatusAccepted,
					Owner: agent, Actor: agent, Activity: core.ActivityAccepted, At: time.Now(),
				})
				switch {
				case err == nil:
					wins.Add(1)
					winners[i] = agent
					if q.Owner != agent || q.Status != core.StatusAccepted {
						t.Errorf("%s/%s: returned owner=%q status=%s", qid, agent, q.Owner, q.Status)
					}
				case errors.Is(err, core.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("%s/%s: %v", qid, agent, err)
				}
			}(i, fmt.Sprintf("agent-%d", a))
		}
	}
	wg.Wait()

	require.Equal(t, int64(queries), wins.Load())
	assert.Equal(t, int64(queries*(agents-1)), conflicts.Load())
	for i := 0; i < queries; i++ {
		q, err := st.GetQuery(ctx, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		require.NoError(t, q.CheckInvariants())
		assert.Equal(t, winners[i], q.Owner)
		acts, err := st.Activity(ctx, q.ID, 0)
		require.NoError(t, err)
		assert.Len(t, acts, 2, "%s: submit and accept activity", q.ID)
	}
}

// TestConcurrentTransferResponses retries the same accept five times at once;
// only one may resolve the record.
func TestConcurrentTransferResponses(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.CreateQuery(ctx, storagetest.NewQuery("q1"))
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusPending, Next: core.StatusAccepted, Owner: "a", At: now})
	require.NoError(t, err)
	rec := core.TransferRecord{ID: "t1", QueryID: "q1", FromOwner: "a", ToCandidate: "b", Status: core.TransferRequested, RequestedAt: now}
	_, err = st.ApplyTransition(ctx, core.Transition{QueryID: "q1", Expected: core.StatusAccepted, Next: core.StatusTransferred, Owner: "a", AppendTransfer: &rec, At: now})
	require.NoError(t, err)

	var ok, resolved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ApplyTransition(ctx, core.Transition{
				QueryID: "q1", Expected: core.StatusTransferred, Next: core.StatusAccepted, Owner: "b",
				ResolveTransfer: &core.TransferResolution{TransferID: "t1", Status: core.TransferAccepted, Outcome: core.OutcomeAccepted},
				At:              time.Now(),
			})
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
	assert.Equal(t, int32(4), resolved.Load())
	q, err := st.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "b", q.Owner)
	assert.Equal(t, int64(4), q.Version)
}
