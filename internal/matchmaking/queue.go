// Package matchmaking keeps the waiting list and assembles matches from it.
package matchmaking

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/engine"
	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/state"
	"go.uber.org/zap"
)

// FastState is the shared state the queue works on
type FastState interface {
	QueueAdd(ctx context.Context, participantID string, at time.Time) (bool, error)
	QueuePosition(ctx context.Context, participantID string) (int, error)
	QueueRemove(ctx context.Context, participantID string) (bool, error)
	QueueLen(ctx context.Context) (int, error)
	QueuePopOldest(ctx context.Context, n int) ([]match.QueueEntry, error)
	QueueRestore(ctx context.Context, entries []match.QueueEntry) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	SaveMatch(ctx context.Context, m *match.Match, ttl time.Duration) error
	LoadMatch(ctx context.Context, id string) (*match.Match, bool, error)
	IndexAdd(ctx context.Context, matchID string) error
	SetMembership(ctx context.Context, participantID, matchID string, ttl time.Duration) error
	ClaimMembership(ctx context.Context, participantID, matchID string, ttl time.Duration) (bool, error)
	Membership(ctx context.Context, participantID string) (string, error)
	ClearMembership(ctx context.Context, participantID, matchID string) error
	CountCreated(ctx context.Context) (int64, error)
}

// MatchCreator is the durable side of assembly
type MatchCreator interface {
	CreateMatch(ctx context.Context, m *match.Match) error
}

// Starter runs an engine for an assembled match
type Starter interface {
	Start(ctx context.Context, m *match.Match) (*engine.Engine, error)
}

// Config sizes matches
type Config struct {
	MatchSize     int
	MinoritySize  int
	RewardPool    int
	StartingGrace time.Duration
	LockTTL       time.Duration
	CacheTTL      time.Duration
}

// ConfigFrom derives the queue settings from the game settings
func ConfigFrom(g config.GameConfig) Config {
	return Config{
		MatchSize:     g.MatchSize,
		MinoritySize:  g.MinoritySize,
		RewardPool:    g.RewardPool,
		StartingGrace: g.StartingGrace,
		LockTTL:       g.AssemblyLockTTL,
		CacheTTL:      g.MatchCacheTTL,
	}
}

// AssignmentNotice privately tells a participant their side
type AssignmentNotice struct {
	MatchID   string          `json:"match_id"`
	Alignment match.Alignment `json:"alignment"`
	Teammates []string        `json:"teammates,omitempty"`
}

// Queue is the matchmaking queue
type Queue struct {
	cfg     Config
	state   FastState
	store   MatchCreator
	starter Starter
	gateway broadcast.Gateway
	logger  *zap.Logger

	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// NewQueue creates a matchmaking queue
func NewQueue(cfg Config, fast FastState, store MatchCreator, starter Starter, gateway broadcast.Gateway, logger *zap.Logger) *Queue {
	if gateway == nil {
		gateway = broadcast.Noop{}
	}
	return &Queue{
		cfg:     cfg,
		state:   fast,
		store:   store,
		starter: starter,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
		shuffle: rand.Shuffle,
	}
}

// Ticket reports a participant's place in the queue. Match is set when the
// participant was placed into a freshly assembled match.
type Ticket struct {
	Position int          `json:"position"`
	Waiting  int          `json:"waiting"`
	Match    *match.Match `json:"-"`
}

// Enqueue adds a participant to the queue and tries to assemble a match.
// Participants already in an active match are refused with match.ErrAlreadyInMatch.
// Enqueueing twice is a no-op that reports the current position.
func (q *Queue) Enqueue(ctx context.Context, participantID string) (Ticket, error) {
	if err := q.checkNotInMatch(ctx, participantID); err != nil {
		return Ticket{}, err
	}

	added, err := q.state.QueueAdd(ctx, participantID, q.now())
	if err != nil {
		return Ticket{}, err
	}
	if added {
		// an assembly may have claimed the participant between the check and the add
		matchID, err := q.state.Membership(ctx, participantID)
		if err != nil {
			return Ticket{}, err
		}
		if matchID != "" {
			if _, err := q.state.QueueRemove(ctx, participantID); err != nil {
				return Ticket{}, err
			}
			return Ticket{}, fmt.Errorf("participant %s is joining match %s: %w", participantID, matchID, match.ErrAlreadyInMatch)
		}
		q.logger.Info("participant queued", zap.String("participant_id", participantID))
	}

	var ticket Ticket
	m, err := q.AttemptAssemble(ctx)
	if err != nil {
		// assembly is retried on the next enqueue
		q.logger.Warn("match assembly failed", zap.Error(err))
	}
	if m != nil {
		if _, ok := m.Participant(participantID); ok {
			ticket.Match = m
		}
	}

	if ticket.Position, err = q.state.QueuePosition(ctx, participantID); err != nil {
		return Ticket{}, err
	}
	if ticket.Waiting, err = q.state.QueueLen(ctx); err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// checkNotInMatch refuses participants whose membership points at a running
// match or at one still being assembled. Eliminated participants stay members
// until their match ends, so nobody belongs to two active matches at once.
// A stale membership of a finished match is cleared.
func (q *Queue) checkNotInMatch(ctx context.Context, participantID string) error {
	matchID, err := q.state.Membership(ctx, participantID)
	if err != nil {
		return err
	}
	if matchID == "" {
		return nil
	}

	m, found, err := q.state.LoadMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("participant %s is joining match %s: %w", participantID, matchID, match.ErrAlreadyInMatch)
	}
	if !m.Ended() {
		return fmt.Errorf("participant %s is in match %s: %w", participantID, matchID, match.ErrAlreadyInMatch)
	}
	return q.state.ClearMembership(ctx, participantID, matchID)
}

// Leave removes a participant from the queue. Leaving twice is not an error.
func (q *Queue) Leave(ctx context.Context, participantID string) (bool, error) {
	removed, err := q.state.QueueRemove(ctx, participantID)
	if err != nil {
		return false, err
	}
	if removed {
		q.logger.Info("participant left queue", zap.String("participant_id", participantID))
	}
	return removed, nil
}

// AttemptAssemble creates a match from the longest-waiting participants when
// enough are queued. Losing the assembly lock or a race on the queue is not an
// error: it returns (nil, nil) and leaves the queue for the next attempt.
func (q *Queue) AttemptAssemble(ctx context.Context) (*match.Match, error) {
	token, ok, err := q.state.AcquireLock(ctx, state.AssemblyLockKey, q.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		q.logger.Debug("assembly lock held elsewhere")
		return nil, nil
	}
	defer func() {
		// released even when ctx is already cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if released, rerr := q.state.ReleaseLock(releaseCtx, state.AssemblyLockKey, token); rerr != nil {
			q.logger.Warn("failed to release assembly lock", zap.Error(rerr))
		} else if !released {
			q.logger.Warn("assembly lock expired before release")
		}
	}()

	waiting, err := q.state.QueueLen(ctx)
	if err != nil {
		return nil, err
	}
	if waiting < q.cfg.MatchSize {
		return nil, nil
	}

	entries, err := q.state.QueuePopOldest(ctx, q.cfg.MatchSize)
	if err != nil {
		return nil, err
	}
	// popped entries are placed or restored even when the caller goes away
	ctx = context.WithoutCancel(ctx)
	if len(entries) != q.cfg.MatchSize {
		q.logger.Warn("unexpected dequeue count, aborting assembly",
			zap.Int("expected", q.cfg.MatchSize),
			zap.Int("got", len(entries)),
		)
		q.restore(ctx, entries)
		return nil, nil
	}

	matchID := uuid.NewString()
	entries, err = q.reserve(ctx, matchID, entries)
	if err != nil {
		return nil, err
	}
	if len(entries) < q.cfg.MatchSize {
		q.release(ctx, matchID, entries)
		q.restore(ctx, entries)
		return nil, nil
	}

	m := q.newMatch(matchID, entries)
	if err := q.store.CreateMatch(ctx, m); err != nil {
		q.release(ctx, matchID, entries)
		q.restore(ctx, entries)
		return nil, fmt.Errorf("failed to create match: %w", err)
	}

	if err := q.activate(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to activate match %s: %w", m.ID, err)
	}

	if _, err := q.starter.Start(ctx, m); err != nil {
		// the watchdog recovers an unowned match once it is stuck
		q.logger.Error("failed to start engine", zap.String("match_id", m.ID), zap.Error(err))
	}
	return m, nil
}

// reserve claims the membership of every popped participant for matchID.
// Participants that already belong to a live match lose their queue entry.
// On error every claim is released and the unplaced entries are restored.
func (q *Queue) reserve(ctx context.Context, matchID string, entries []match.QueueEntry) ([]match.QueueEntry, error) {
	reserved := make([]match.QueueEntry, 0, len(entries))
	for i, e := range entries {
		ok, err := q.claim(ctx, e.ParticipantID, matchID)
		if err != nil {
			q.release(ctx, matchID, reserved)
			q.restore(ctx, append(reserved, entries[i:]...))
			return nil, err
		}
		if !ok {
			q.logger.Warn("dropping queue entry of participant already in a match",
				zap.String("participant_id", e.ParticipantID),
			)
			continue
		}
		reserved = append(reserved, e)
	}
	return reserved, nil
}

// claim takes the participant's membership for matchID. A membership left by
// a finished or vanished match is replaced; one of a running match is kept.
func (q *Queue) claim(ctx context.Context, participantID, matchID string) (bool, error) {
	ok, err := q.state.ClaimMembership(ctx, participantID, matchID, q.cfg.LockTTL)
	if err != nil || ok {
		return ok, err
	}

	current, err := q.state.Membership(ctx, participantID)
	if err != nil {
		return false, err
	}
	if current != "" {
		m, found, err := q.state.LoadMatch(ctx, current)
		if err != nil {
			return false, err
		}
		if found && !m.Ended() {
			return false, nil
		}
		if err := q.state.ClearMembership(ctx, participantID, current); err != nil {
			return false, err
		}
	}
	return q.state.ClaimMembership(ctx, participantID, matchID, q.cfg.LockTTL)
}

func (q *Queue) release(ctx context.Context, matchID string, entries []match.QueueEntry) {
	for _, e := range entries {
		if err := q.state.ClearMembership(ctx, e.ParticipantID, matchID); err != nil {
			q.logger.Warn("failed to release membership claim",
				zap.String("participant_id", e.ParticipantID),
				zap.Error(err),
			)
		}
	}
}

func (q *Queue) restore(ctx context.Context, entries []match.QueueEntry) {
	if err := q.state.QueueRestore(ctx, entries); err != nil {
		q.logger.Error("failed to restore dequeued participants", zap.Error(err))
	}
}

func (q *Queue) newMatch(id string, entries []match.QueueEntry) *match.Match {
	now := q.now()
	m := &match.Match{
		ID:            id,
		Status:        match.StatusActive,
		Round:         1,
		Phase:         match.PhaseStarting,
		PhaseDeadline: now.Add(q.cfg.StartingGrace),
		RewardPool:    q.cfg.RewardPool,
		CreatedAt:     now,
		Participants:  make([]match.Participant, len(entries)),
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	q.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	minority := make(map[int]bool, q.cfg.MinoritySize)
	for _, idx := range order[:q.cfg.MinoritySize] {
		minority[idx] = true
	}
	for i, e := range entries {
		alignment := match.AlignmentMajority
		if minority[i] {
			alignment = match.AlignmentMinority
		}
		m.Participants[i] = match.Participant{ID: e.ParticipantID, Alignment: alignment, Status: match.ParticipantAlive}
	}
	return m
}

// activate caches the match, registers it and notifies every participant
func (q *Queue) activate(ctx context.Context, m *match.Match) error {
	if err := q.state.SaveMatch(ctx, m, q.cfg.CacheTTL); err != nil {
		return err
	}
	if err := q.state.IndexAdd(ctx, m.ID); err != nil {
		return err
	}
	for _, p := range m.Participants {
		if err := q.state.SetMembership(ctx, p.ID, m.ID, q.cfg.CacheTTL); err != nil {
			return err
		}
		// a re-enqueue that raced the membership claim leaves an entry behind
		if _, err := q.state.QueueRemove(ctx, p.ID); err != nil {
			return err
		}
	}
	if n, err := q.state.CountCreated(ctx); err != nil {
		q.logger.Warn("failed to count created match", zap.Error(err))
	} else {
		q.logger.Info("match assembled",
			zap.String("match_id", m.ID),
			zap.Strings("participants", match.IDs(m.Participants)),
			zap.Int64("matches_created", n),
		)
	}

	teammates := match.IDs(m.Living(match.AlignmentMinority))
	for _, p := range m.Participants {
		notice := AssignmentNotice{MatchID: m.ID, Alignment: p.Alignment}
		if p.Alignment == match.AlignmentMinority {
			notice.Teammates = teammates
		}
		if err := q.gateway.NotifyOne(ctx, p.ID, broadcast.EventAssignment, notice); err != nil {
			q.logger.Warn("failed to send assignment",
				zap.String("match_id", m.ID),
				zap.String("participant_id", p.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
