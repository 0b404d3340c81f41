// Package actions validates and records participant submissions.
package actions

import (
	"context"
	"errors"
	"time"

	"github.com/thraizz/nightfall-server/internal/engine"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap"
)

// FastState is where submissions are recorded
type FastState interface {
	LoadMatch(ctx context.Context, id string) (*match.Match, bool, error)
	ClaimTarget(ctx context.Context, matchID string, round int, actor, target string, ttl time.Duration) (bool, error)
	RecordBallot(ctx context.Context, matchID string, round int, actor, target string, ttl time.Duration) (bool, error)
}

// Engines finds the local engine of a match
type Engines interface {
	Get(matchID string) (*engine.Engine, bool)
}

// Submission is one participant action
type Submission struct {
	MatchID string `json:"-"`
	Round   int    `json:"round"`
	Actor   string `json:"actor"`
	Target  string `json:"target"`
}

// Service accepts elimination targets and ballots
type Service struct {
	state   FastState
	engines Engines
	ttl     time.Duration
	logger  *zap.Logger
}

// NewService creates an action service. ttl bounds how long records are kept.
func NewService(state FastState, engines Engines, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{state: state, engines: engines, ttl: ttl, logger: logger}
}

// SubmitEliminationTarget records the minority's choice for the round. The
// first accepted target wins; later ones are rejected as duplicates.
func (s *Service) SubmitEliminationTarget(ctx context.Context, sub Submission) error {
	m, err := s.load(ctx, sub, match.PhaseEliminationChoice)
	if err != nil {
		return err
	}
	actor, err := livingActor(m, sub.Actor)
	if err != nil {
		return err
	}
	if actor.Alignment != match.AlignmentMinority {
		return match.Reject(match.RejectNotMinority, "%s cannot choose an elimination target", sub.Actor)
	}
	target, ok := m.Participant(sub.Target)
	if !ok || !target.Alive() {
		return match.Reject(match.RejectInvalidTarget, "%s is not a living participant", sub.Target)
	}
	if target.Alignment == match.AlignmentMinority {
		return match.Reject(match.RejectInvalidTarget, "%s cannot be targeted", sub.Target)
	}

	recorded, err := s.state.ClaimTarget(ctx, m.ID, m.Round, sub.Actor, sub.Target, s.ttl)
	if err != nil {
		return err
	}
	if !recorded {
		return match.Reject(match.RejectDuplicate, "a target was already chosen for round %d", m.Round)
	}

	s.logger.Info("elimination target recorded",
		zap.String("match_id", m.ID),
		zap.Int("round", m.Round),
		zap.String("actor_id", sub.Actor),
	)
	return s.checkCompletion(ctx, m.ID)
}

// SubmitBallot records one ballot per living participant per round. Ballots
// arriving after the vote closed, including during the pre-reveal grace, are
// rejected as out of phase.
func (s *Service) SubmitBallot(ctx context.Context, sub Submission) error {
	m, err := s.load(ctx, sub, match.PhaseVote)
	if err != nil {
		return err
	}
	if _, err := livingActor(m, sub.Actor); err != nil {
		return err
	}
	if sub.Target == sub.Actor {
		return match.Reject(match.RejectInvalidTarget, "participants cannot vote for themselves")
	}
	if target, ok := m.Participant(sub.Target); !ok || !target.Alive() {
		return match.Reject(match.RejectInvalidTarget, "%s is not a living participant", sub.Target)
	}

	recorded, err := s.state.RecordBallot(ctx, m.ID, m.Round, sub.Actor, sub.Target, s.ttl)
	if errors.Is(err, match.ErrBallotsClosed) {
		return match.Reject(match.RejectWrongPhase, "ballots for round %d are closed", m.Round)
	}
	if err != nil {
		return err
	}
	if !recorded {
		return match.Reject(match.RejectDuplicate, "%s already voted in round %d", sub.Actor, m.Round)
	}

	s.logger.Debug("ballot recorded",
		zap.String("match_id", m.ID),
		zap.Int("round", m.Round),
		zap.String("actor_id", sub.Actor),
	)
	return s.checkCompletion(ctx, m.ID)
}

func (s *Service) load(ctx context.Context, sub Submission, phase match.Phase) (*match.Match, error) {
	m, found, err := s.state.LoadMatch(ctx, sub.MatchID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, match.ErrNotFound
	}
	if m.Ended() || m.Status != match.StatusActive {
		return nil, match.Reject(match.RejectMatchNotActive, "match %s is not active", m.ID)
	}
	if m.Phase != phase {
		return nil, match.Reject(match.RejectWrongPhase, "match is in %s, not %s", m.Phase, phase)
	}
	if sub.Round != m.Round {
		return nil, match.Reject(match.RejectStaleRound, "round %d is not the current round %d", sub.Round, m.Round)
	}
	return m, nil
}

func livingActor(m *match.Match, id string) (match.Participant, error) {
	p, ok := m.Participant(id)
	if !ok || !p.Alive() {
		return match.Participant{}, match.Reject(match.RejectActorNotAlive, "%s is not a living participant of this match", id)
	}
	return p, nil
}

// checkCompletion gives the local engine a chance to advance early. The record
// is already stored, so a failed check is only logged; the phase timer still runs.
func (s *Service) checkCompletion(ctx context.Context, matchID string) error {
	if s.engines == nil {
		return nil
	}
	e, ok := s.engines.Get(matchID)
	if !ok {
		return nil
	}
	if err := e.CheckCompletion(ctx); err != nil {
		s.logger.Warn("completion check failed", zap.String("match_id", matchID), zap.Error(err))
	}
	return nil
}
