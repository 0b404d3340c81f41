package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, zaptest.NewLogger(t)), mr
}

func TestMatchRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	deadline := time.Now().Add(30 * time.Second).UTC().Truncate(time.Millisecond)
	m := &match.Match{
		ID:            "m1",
		Status:        match.StatusActive,
		Round:         2,
		Phase:         match.PhaseVote,
		PhaseDeadline: deadline,
		RewardPool:    1000,
		Participants: []match.Participant{
			{ID: "p1", Alignment: match.AlignmentMinority, Status: match.ParticipantAlive},
			{ID: "p2", Alignment: match.AlignmentMajority, Status: match.ParticipantEliminatedVote},
		},
		CreatedAt: deadline.Add(-time.Minute),
	}

	require.NoError(t, store.SaveMatch(ctx, m, time.Hour))

	loaded, ok, err := store.LoadMatch(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.Status, loaded.Status)
	assert.Equal(t, m.Round, loaded.Round)
	assert.Equal(t, m.Phase, loaded.Phase)
	assert.True(t, m.PhaseDeadline.Equal(loaded.PhaseDeadline))
	assert.Equal(t, m.Participants, loaded.Participants)
	assert.Equal(t, match.OutcomeNone, loaded.Winner)
}

func TestLoadMissingMatchIsNotAnError(t *testing.T) {
	store, _ := newTestStore(t)

	m, ok, err := store.LoadMatch(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestExpireMatchRemovesAfterRetention(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMatch(ctx, &match.Match{ID: "m1"}, time.Hour))
	require.NoError(t, store.ExpireMatch(ctx, "m1", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, ok, err := store.LoadMatch(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockIsExclusiveAndTokenGuarded(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.AcquireLock(ctx, AssemblyLockKey, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.AcquireLock(ctx, AssemblyLockKey, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	released, err := store.ReleaseLock(ctx, AssemblyLockKey, "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.ReleaseLock(ctx, AssemblyLockKey, token)
	require.NoError(t, err)
	assert.True(t, released)

	// A crashed holder cannot deadlock assembly.
	_, ok, err = store.AcquireLock(ctx, AssemblyLockKey, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(6 * time.Second)
	_, ok, err = store.AcquireLock(ctx, AssemblyLockKey, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentLockAcquisitionHasOneWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.AcquireLock(ctx, AssemblyLockKey, 5*time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestOwnerClaim(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimOwner(ctx, "m1", "node-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ClaimOwner(ctx, "m1", "node-b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ClaimOwner(ctx, "m1", "node-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "re-claiming an owned match refreshes it")

	owner, err := store.Owner(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)

	mr.FastForward(11 * time.Second)
	owner, err = store.Owner(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestTargetFirstSubmissionWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimTarget(ctx, "m1", 1, "p1", "p3", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimTarget(ctx, "m1", 1, "p2", "p4", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	actor, target, ok, err := store.Target(ctx, "m1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", actor)
	assert.Equal(t, "p3", target)

	_, _, ok, err = store.Target(ctx, "m1", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBallotsAreIdempotentPerActor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.RecordBallot(ctx, "m1", 1, "p1", "p3", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RecordBallot(ctx, "m1", 1, "p1", "p4", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.RecordBallot(ctx, "m1", 2, "p1", "p4", time.Hour)
	require.NoError(t, err)

	ballots, err := store.Ballots(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "p3"}, ballots)
}

func TestPendingOutcomeLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	pending, err := store.PendingOutcome(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	require.NoError(t, store.SetPendingOutcome(ctx, "m1", match.PendingOutcome{Round: 1, TargetID: "p2", Votes: 4}, time.Hour))
	pending, err = store.PendingOutcome(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "p2", pending.TargetID)

	require.NoError(t, store.ClearPendingOutcome(ctx, "m1"))
	pending, err = store.PendingOutcome(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestQueueOrderingAndPop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"p1", "p2", "p3"} {
		added, err := store.QueueAdd(ctx, id, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, added)
	}

	added, err := store.QueueAdd(ctx, "p1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, added, "re-enqueue keeps the original position")

	pos, err := store.QueuePosition(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	pos, err = store.QueuePosition(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, pos)

	popped, err := store.QueuePopOldest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "p1", popped[0].ParticipantID)
	assert.Equal(t, "p2", popped[1].ParticipantID)

	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.QueueRestore(ctx, popped))
	entries, err := store.QueueRange(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{entries[0].ParticipantID, entries[1].ParticipantID, entries[2].ParticipantID})
}

func TestActiveIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexAdd(ctx, "m1"))
	require.NoError(t, store.IndexAdd(ctx, "m2"))
	require.NoError(t, store.IndexAdd(ctx, "m1"))

	ids, err := store.IndexList(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	require.NoError(t, store.IndexRemove(ctx, "m1"))
	ids, err = store.IndexList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids)
}

func TestMembershipClearOnlyForOwningMatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMembership(ctx, "p1", "m2", time.Hour))
	require.NoError(t, store.ClearMembership(ctx, "p1", "m1"))

	matchID, err := store.Membership(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "m2", matchID)

	require.NoError(t, store.ClearMembership(ctx, "p1", "m2"))
	matchID, err = store.Membership(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, matchID)
}

func TestClosedBallotsRefuseLateBallots(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.RecordBallot(ctx, "m1", 1, "p1", "p3", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.CloseBallots(ctx, "m1", 1, time.Hour))
	_, err = store.RecordBallot(ctx, "m1", 1, "p2", "p3", time.Hour)
	assert.ErrorIs(t, err, match.ErrBallotsClosed)

	ok, err = store.RecordBallot(ctx, "m1", 2, "p2", "p3", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "other rounds stay open")

	ballots, err := store.Ballots(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "p3"}, ballots)
}

func TestClaimMembershipOnlyWhenFree(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimMembership(ctx, "p1", "m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimMembership(ctx, "p1", "m2", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetMembership(ctx, "p1", "m1", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("nightfall:participant:p1:match"), "activation extends the claim")

	mr.FastForward(2 * time.Hour)
	ok, err = store.ClaimMembership(ctx, "p1", "m2", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
