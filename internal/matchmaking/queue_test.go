package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/engine"
	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/repository"
	"github.com/thraizz/nightfall-server/internal/state"
	"go.uber.org/zap/zaptest"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []*match.Match
}

func (f *fakeStarter) Start(ctx context.Context, m *match.Match) (*engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, m)
	return nil, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fixture struct {
	queue   *Queue
	state   *state.Store
	db      *repository.MemoryStore
	gw      *broadcast.Recorder
	starter *fakeStarter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zaptest.NewLogger(t)
	f := &fixture{
		state:   state.NewStore(client, logger),
		db:      repository.NewMemoryStore(),
		gw:      broadcast.NewRecorder(),
		starter: &fakeStarter{},
	}
	f.queue = NewQueue(Config{
		MatchSize:     6,
		MinoritySize:  2,
		RewardPool:    1000,
		StartingGrace: 10 * time.Second,
		LockTTL:       5 * time.Second,
		CacheTTL:      time.Hour,
	}, f.state, f.db, f.starter, f.gw, logger)

	// strictly increasing enqueue times keep the queue order deterministic
	var tick atomic.Int64
	base := time.Now()
	f.queue.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	return f
}

func (f *fixture) enqueue(t *testing.T, ids ...string) Ticket {
	t.Helper()
	var ticket Ticket
	for _, id := range ids {
		var err error
		ticket, err = f.queue.Enqueue(context.Background(), id)
		require.NoError(t, err)
	}
	return ticket
}

func players(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i+1)
	}
	return ids
}

func TestEnqueueBelowMatchSizeWaits(t *testing.T) {
	f := newFixture(t)

	ticket := f.enqueue(t, players(5)...)
	assert.Nil(t, ticket.Match)
	assert.Equal(t, 5, ticket.Position)
	assert.Equal(t, 5, ticket.Waiting)

	// enqueueing again is a no-op reporting the current position
	again, err := f.queue.Enqueue(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Position)
	assert.Equal(t, 5, again.Waiting)
	assert.Zero(t, f.starter.count())
}

func TestFullQueueAssemblesMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.enqueue(t, players(6)...)
	require.NotNil(t, ticket.Match)
	m := ticket.Match
	assert.Zero(t, ticket.Position)
	assert.Zero(t, ticket.Waiting)

	assert.Equal(t, match.PhaseStarting, m.Phase)
	assert.Equal(t, 1, m.Round)
	assert.Equal(t, 1000, m.RewardPool)
	assert.Len(t, m.Participants, 6)
	assert.Len(t, m.Living(match.AlignmentMinority), 2)
	assert.Len(t, m.Living(match.AlignmentMajority), 4)
	assert.WithinDuration(t, m.CreatedAt.Add(10*time.Second), m.PhaseDeadline, time.Millisecond)

	_, stored, err := f.db.LoadMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored)

	cached, found, err := f.state.LoadMatch(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, m.ID, cached.ID)

	active, err := f.state.IndexList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, active)

	for _, p := range m.Participants {
		member, err := f.state.Membership(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, member)
	}

	assignments := f.gw.Events(broadcast.EventAssignment)
	require.Len(t, assignments, 6)
	for _, d := range assignments {
		notice := d.Payload.(AssignmentNotice)
		p, ok := m.Participant(d.Recipients[0])
		require.True(t, ok)
		assert.Equal(t, p.Alignment, notice.Alignment)
		if p.Alignment == match.AlignmentMinority {
			assert.Len(t, notice.Teammates, 2)
		} else {
			assert.Empty(t, notice.Teammates, "the majority never learns the minority")
		}
	}
	assert.Equal(t, 1, f.starter.count())
}

func TestAssemblyTakesLongestWaiting(t *testing.T) {
	f := newFixture(t)

	f.enqueue(t, players(5)...)
	ticket := f.enqueue(t, "p6")
	require.NotNil(t, ticket.Match)
	ticket = f.enqueue(t, "p7", "p8")
	assert.Nil(t, ticket.Match)

	assert.ElementsMatch(t, players(6), match.IDs(f.starter.started[0].Participants))
	waiting, err := f.state.QueueLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, waiting)
}

func TestConcurrentAssemblyCreatesOneMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, id := range players(6) {
		_, err := f.state.QueueAdd(ctx, id, time.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	const callers = 16
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.queue.AttemptAssemble(ctx)
			assert.NoError(t, err)
			if m != nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.Equal(t, 1, f.starter.count())

	// the lock is free again
	_, ok, err := f.state.AcquireLock(ctx, state.AssemblyLockKey, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAssemblyLockHeldElsewhereIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.state.AcquireLock(ctx, state.AssemblyLockKey, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ticket := f.enqueue(t, players(6)...)
	assert.Nil(t, ticket.Match)
	assert.Equal(t, 6, ticket.Waiting)
	assert.Zero(t, f.starter.count())
}

func TestCreateFailureRestoresQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, players(5)...)

	f.db.FailNext(errors.New("connection reset"))
	ticket := f.enqueue(t, "p6")
	assert.Nil(t, ticket.Match)
	assert.Equal(t, 6, ticket.Position, "entries keep their original order")

	entries, err := f.state.QueueRange(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, players(6), match.IDs(asParticipants(entries)))
	assert.Zero(t, f.starter.count())

	for _, id := range players(6) {
		member, err := f.state.Membership(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, member, "membership claims are released")
	}
}

func asParticipants(entries []match.QueueEntry) []match.Participant {
	out := make([]match.Participant, len(entries))
	for i, e := range entries {
		out[i] = match.Participant{ID: e.ParticipantID}
	}
	return out
}

func TestEnqueueRefusedWhileInActiveMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.enqueue(t, players(6)...)
	require.NotNil(t, ticket.Match)

	_, err := f.queue.Enqueue(ctx, "p3")
	assert.ErrorIs(t, err, match.ErrAlreadyInMatch)

	// eliminated participants stay members until the match ends
	eliminated := ticket.Match.Clone()
	eliminated.Phase = match.PhaseDiscussion
	eliminated.SetStatus("p3", match.ParticipantEliminatedAction)
	require.NoError(t, f.state.SaveMatch(ctx, eliminated, time.Hour))
	_, err = f.queue.Enqueue(ctx, "p3")
	assert.ErrorIs(t, err, match.ErrAlreadyInMatch)

	// once the match has ended the stale membership no longer blocks
	ended := ticket.Match.Clone()
	ended.Phase = match.PhaseEnded
	ended.Status = match.StatusFinished
	ended.Winner = match.OutcomeMajority
	require.NoError(t, f.state.SaveMatch(ctx, ended, time.Hour))

	again, err := f.queue.Enqueue(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Position)

	member, err := f.state.Membership(ctx, "p3")
	require.NoError(t, err)
	assert.Empty(t, member)
}

func TestLeaveQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "p1", "p2")

	removed, err := f.queue.Leave(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.queue.Leave(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, removed)

	pos, err := f.state.QueuePosition(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

// hookedCreator runs onCreate just before the durable insert
type hookedCreator struct {
	*repository.MemoryStore
	onCreate func(m *match.Match)
}

func (h *hookedCreator) CreateMatch(ctx context.Context, m *match.Match) error {
	if h.onCreate != nil {
		h.onCreate(m)
	}
	return h.MemoryStore.CreateMatch(ctx, m)
}

func TestReenqueueDuringAssemblyIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var reenqueueErr error
	f.queue.store = &hookedCreator{MemoryStore: f.db, onCreate: func(m *match.Match) {
		_, reenqueueErr = f.queue.Enqueue(ctx, "p1")
	}}

	first := f.enqueue(t, players(6)...)
	require.NotNil(t, first.Match)
	assert.ErrorIs(t, reenqueueErr, match.ErrAlreadyInMatch)

	pos, err := f.state.QueuePosition(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, pos, "p1 is not left waiting")

	f.queue.store = f.db
	_, err = f.queue.Enqueue(ctx, "p1")
	assert.ErrorIs(t, err, match.ErrAlreadyInMatch)

	second := f.enqueue(t, "p7", "p8", "p9", "p10", "p11", "p12")
	require.NotNil(t, second.Match)
	_, inBoth := second.Match.Participant("p1")
	assert.False(t, inBoth)
	assert.Equal(t, 2, f.starter.count())
}

func TestLeftoverQueueEntryIsRemovedOnActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// an entry added after the membership check but before the claim
	f.queue.store = &hookedCreator{MemoryStore: f.db, onCreate: func(m *match.Match) {
		_, err := f.state.QueueAdd(ctx, "p2", time.Now())
		assert.NoError(t, err)
	}}

	ticket := f.enqueue(t, players(6)...)
	require.NotNil(t, ticket.Match)

	pos, err := f.state.QueuePosition(ctx, "p2")
	require.NoError(t, err)
	assert.Zero(t, pos)
	waiting, err := f.state.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)
}

func TestAssemblySkipsParticipantOfLiveMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := &match.Match{
		ID:           "other",
		Status:       match.StatusActive,
		Round:        1,
		Phase:        match.PhaseDiscussion,
		Participants: []match.Participant{{ID: "p3", Alignment: match.AlignmentMajority, Status: match.ParticipantAlive}},
	}
	require.NoError(t, f.state.SaveMatch(ctx, live, time.Hour))
	require.NoError(t, f.state.SetMembership(ctx, "p3", "other", time.Hour))
	for i, id := range players(6) {
		_, err := f.state.QueueAdd(ctx, id, time.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	m, err := f.queue.AttemptAssemble(ctx)
	require.NoError(t, err)
	assert.Nil(t, m, "five free participants are not enough")

	entries, err := f.state.QueueRange(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p4", "p5", "p6"}, match.IDs(asParticipants(entries)))

	member, err := f.state.Membership(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "other", member)
	member, err = f.state.Membership(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, member)

	ticket := f.enqueue(t, "p7")
	require.NotNil(t, ticket.Match)
	assert.ElementsMatch(t, []string{"p1", "p2", "p4", "p5", "p6", "p7"}, match.IDs(ticket.Match.Participants))
}

func TestStaleMembershipDoesNotBlockAssembly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.state.SetMembership(ctx, "p4", "vanished", time.Hour))
	for i, id := range players(6) {
		_, err := f.state.QueueAdd(ctx, id, time.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	m, err := f.queue.AttemptAssemble(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	member, err := f.state.Membership(ctx, "p4")
	require.NoError(t, err)
	assert.Equal(t, m.ID, member)
}
