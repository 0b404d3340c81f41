// Package engine drives matches through their phase cycle. Each running match
// has exactly one Engine, the single writer of its state.
package engine

import (
	"context"
	"time"

	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/repository"
)

// FastState is the shared fast state an engine reads and writes
type FastState interface {
	SaveMatch(ctx context.Context, m *match.Match, ttl time.Duration) error
	ExpireMatch(ctx context.Context, id string, retention time.Duration) error
	NextSequence(ctx context.Context, id string) (int64, error)
	Target(ctx context.Context, matchID string, round int) (actor, target string, ok bool, err error)
	Ballots(ctx context.Context, matchID string, round int) (map[string]string, error)
	CloseBallots(ctx context.Context, matchID string, round int, ttl time.Duration) error
	SetPendingOutcome(ctx context.Context, matchID string, outcome match.PendingOutcome, ttl time.Duration) error
	PendingOutcome(ctx context.Context, matchID string) (*match.PendingOutcome, error)
	ClearPendingOutcome(ctx context.Context, matchID string) error
	IndexRemove(ctx context.Context, matchID string) error
	ClearMembership(ctx context.Context, participantID, matchID string) error
	ClaimOwner(ctx context.Context, matchID, owner string, ttl time.Duration) (bool, error)
	RefreshOwner(ctx context.Context, matchID, owner string, ttl time.Duration) (bool, error)
	Owner(ctx context.Context, matchID string) (string, error)
	ReleaseOwner(ctx context.Context, matchID, owner string) error
}

// DurableStore is the system of record for match state and the audit log
type DurableStore interface {
	UpsertMatch(ctx context.Context, id string, status match.Status, round int, phase match.Phase, winner match.Outcome) error
	InsertAuditEvent(ctx context.Context, matchID string, round int, eventType string, payload any) error
	UpsertParticipantStatus(ctx context.Context, matchID, participantID string, status match.ParticipantStatus) error
}

// StatsStore persists settlements
type StatsStore interface {
	ReadStatSnapshot(ctx context.Context, ids []string) (map[string]repository.StatSnapshot, error)
	ApplySettlement(ctx context.Context, matchID string, settlements []repository.Settlement) (bool, error)
}

// Deps bundles the adapters every engine uses
type Deps struct {
	State   FastState
	Store   DurableStore
	Stats   StatsStore
	Gateway broadcast.Gateway
}

// Config holds the timing and economy settings of an engine
type Config struct {
	StartingGrace     time.Duration
	EliminationWindow time.Duration
	DiscussionWindow  time.Duration
	VoteWindow        time.Duration
	PreRevealGrace    time.Duration
	InterRoundPause   time.Duration
	MatchCacheTTL     time.Duration
	FinishedRetention time.Duration
	LeaseTTL          time.Duration
	// RecoveryWindow caps the deadline of a forced transition; zero keeps the normal window
	RecoveryWindow time.Duration
}

// ConfigFrom derives an engine config from the game settings
func ConfigFrom(g config.GameConfig) Config {
	return Config{
		StartingGrace:     g.StartingGrace,
		EliminationWindow: g.EliminationWindow,
		DiscussionWindow:  g.DiscussionWindow,
		VoteWindow:        g.VoteWindow,
		PreRevealGrace:    g.PreRevealGrace,
		InterRoundPause:   g.InterRoundPause,
		MatchCacheTTL:     g.MatchCacheTTL,
		FinishedRetention: g.FinishedRetention,
		LeaseTTL:          g.EngineLeaseTTL,
	}
}

// duration is how long phase stays open before its timer fires
func (c Config) duration(phase match.Phase) time.Duration {
	switch phase {
	case match.PhaseStarting:
		return c.StartingGrace
	case match.PhaseEliminationChoice:
		return c.EliminationWindow
	case match.PhaseDiscussion:
		return c.DiscussionWindow
	case match.PhaseVote:
		return c.VoteWindow
	case match.PhaseReveal:
		return c.InterRoundPause
	default:
		return 0
	}
}
