package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// enterPhaseLocked runs the entry effects of phase: disconnection sweep,
// persistence, notifications and the phase timer.
func (e *Engine) enterPhaseLocked(ctx context.Context, phase match.Phase, round int, recovered bool) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine.enter_phase", trace.WithAttributes(
		attribute.String("match.id", e.m.ID),
		attribute.String("match.phase", string(phase)),
		attribute.Int("match.round", round),
		attribute.Bool("match.recovered", recovered),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if phase != match.PhaseStarting {
		ended, err := e.sweepDisconnectsLocked(ctx)
		if err != nil {
			e.logger.Warn("disconnection sweep failed", zap.Error(err))
		}
		if ended {
			return nil
		}
	}

	d := e.cfg.duration(phase)
	if recovered && e.cfg.RecoveryWindow > 0 && d > e.cfg.RecoveryWindow {
		d = e.cfg.RecoveryWindow
	}
	e.closing = false
	e.m.Status = match.StatusActive
	e.m.Phase = phase
	e.m.Round = round
	e.m.PhaseDeadline = e.now().Add(d)

	switch phase {
	case match.PhaseReveal:
		// the reveal itself arms the inter-round pause
	default:
		e.armLocked(d, e.onPhaseTimeoutLocked)
	}

	e.logger.Info("phase entered",
		zap.String("phase", string(phase)),
		zap.Int("round", round),
		zap.Bool("recovered", recovered),
	)

	var errs []error
	if err := e.persistLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if ok, err := e.deps.State.RefreshOwner(ctx, e.m.ID, e.owner, e.cfg.LeaseTTL); err != nil {
		e.logger.Warn("failed to refresh ownership", zap.Error(err))
	} else if !ok {
		e.logger.Warn("ownership claim missing on phase entry")
	}
	notice := PhaseNotice{Phase: phase, Round: round, Deadline: e.m.PhaseDeadline, Recovered: recovered}
	if notice.Seq, err = e.deps.State.NextSequence(ctx, e.m.ID); err != nil {
		e.logger.Warn("failed to advance transition sequence", zap.Error(err))
		err = nil
	}
	e.audit(ctx, auditPhaseEntered, notice)
	e.notifyAll(ctx, broadcast.EventPhaseChanged, notice)

	switch phase {
	case match.PhaseStarting:
		e.notifyAll(ctx, broadcast.EventRoster, roster(e.m.Participants))

	case match.PhaseEliminationChoice:
		notice := TargetsNotice{Round: round, Targets: match.IDs(e.m.Living(match.AlignmentMajority)), Deadline: e.m.PhaseDeadline}
		e.notifySubset(ctx, isLivingMinority, broadcast.EventEliminationTargets, notice)

	case match.PhaseDiscussion:
		e.notifyAll(ctx, broadcast.EventDiscussion, roster(e.m.Participants))

	case match.PhaseVote:
		notice := TargetsNotice{Round: round, Targets: match.IDs(e.m.Living()), Deadline: e.m.PhaseDeadline}
		e.notifySubset(ctx, match.Participant.Alive, broadcast.EventVoteTargets, notice)

	case match.PhaseReveal:
		if err := e.revealLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func isLivingMinority(p match.Participant) bool {
	return p.Alive() && p.Alignment == match.AlignmentMinority
}

// onPhaseTimeoutLocked handles the deadline of the current phase
func (e *Engine) onPhaseTimeoutLocked(ctx context.Context) error {
	switch e.m.Phase {
	case match.PhaseEliminationChoice:
		return e.finishEliminationLocked(ctx)
	case match.PhaseVote:
		return e.closeVoteLocked(ctx)
	case match.PhaseStarting, match.PhaseDiscussion, match.PhaseReveal:
		next, round := match.NextPhase(e.m.Phase, e.m.Round)
		return e.enterPhaseLocked(ctx, next, round, false)
	default:
		return nil
	}
}

// finishEliminationLocked applies the round's elimination target, if any, then
// moves on to DISCUSSION unless the match ended.
func (e *Engine) finishEliminationLocked(ctx context.Context) error {
	round := e.m.Round
	actor, target, ok, err := e.deps.State.Target(ctx, e.m.ID, round)
	if err != nil {
		return fmt.Errorf("failed to read elimination target: %w", err)
	}

	victim, found := e.m.Participant(target)
	switch {
	case ok && found && victim.Alive() && victim.Alignment == match.AlignmentMajority:
		if err := e.eliminateLocked(ctx, victim, match.ParticipantEliminatedAction, false); err != nil {
			e.logger.Warn("failed to persist elimination", zap.Error(err))
		}
		e.logger.Info("participant eliminated by action",
			zap.String("participant_id", victim.ID),
			zap.String("actor_id", actor),
			zap.Int("round", round),
		)
		if e.checkTerminationLocked(ctx) {
			return nil
		}
	case ok:
		e.logger.Warn("discarding invalid elimination target",
			zap.String("target_id", target),
			zap.String("actor_id", actor),
		)
		e.audit(ctx, auditNoElimination, map[string]any{"target": target, "reason": "invalid_target"})
	default:
		e.audit(ctx, auditNoElimination, map[string]any{"reason": "no_target"})
	}

	return e.enterPhaseLocked(ctx, match.PhaseDiscussion, round, false)
}

// closeVoteLocked tallies the ballots into a pending outcome, announces that
// voting closed and waits out the pre-reveal grace before REVEAL.
func (e *Engine) closeVoteLocked(ctx context.Context) error {
	e.closing = true
	round := e.m.Round
	e.disarmLocked()
	e.armLocked(e.cfg.PreRevealGrace, func(ctx context.Context) error {
		return e.enterPhaseLocked(ctx, match.PhaseReveal, round, false)
	})

	var errs []error
	if err := e.deps.State.CloseBallots(ctx, e.m.ID, round, e.cfg.MatchCacheTTL); err != nil {
		errs = append(errs, err)
	}
	ballots, err := e.deps.State.Ballots(ctx, e.m.ID, round)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to read ballots: %w", err))...)
	}

	valid := make(map[string]string, len(ballots))
	for actor, target := range ballots {
		a, ok := e.m.Participant(actor)
		if !ok || !a.Alive() {
			continue
		}
		if t, ok := e.m.Participant(target); !ok || !t.Alive() {
			continue
		}
		valid[actor] = target
	}

	target, votes, decided := match.Tally(valid)
	if decided {
		pending := match.PendingOutcome{Round: round, TargetID: target, Votes: votes}
		if err := e.deps.State.SetPendingOutcome(ctx, e.m.ID, pending, e.cfg.MatchCacheTTL); err != nil {
			errs = append(errs, err)
		}
	} else if err := e.deps.State.ClearPendingOutcome(ctx, e.m.ID); err != nil {
		errs = append(errs, err)
	}

	e.audit(ctx, auditVoteClosed, map[string]any{
		"ballots": len(valid),
		"decided": decided,
		"votes":   votes,
	})
	e.notifyAll(ctx, broadcast.EventBallotsClosed, BallotsClosedNotice{Round: round, Ballots: len(valid)})
	return errors.Join(errs...)
}

// revealLocked applies the pending outcome, runs the termination check and
// otherwise pauses before the next round.
func (e *Engine) revealLocked(ctx context.Context) error {
	round := e.m.Round
	pending, err := e.deps.State.PendingOutcome(ctx, e.m.ID)
	if err != nil {
		return fmt.Errorf("failed to read pending outcome: %w", err)
	}

	result := VoteResultNotice{Round: round}
	if pending != nil && pending.Round == round {
		if victim, ok := e.m.Participant(pending.TargetID); ok && victim.Alive() {
			if err := e.eliminateLocked(ctx, victim, match.ParticipantEliminatedVote, true); err != nil {
				e.logger.Warn("failed to persist elimination", zap.Error(err))
			}
			result.Eliminated = victim.ID
			result.Alignment = victim.Alignment
			result.Votes = pending.Votes
		}
	}
	if err := e.deps.State.ClearPendingOutcome(ctx, e.m.ID); err != nil {
		e.logger.Warn("failed to clear pending outcome", zap.Error(err))
	}

	e.audit(ctx, auditVoteRevealed, result)
	e.notifyAll(ctx, broadcast.EventVoteResult, result)

	if e.checkTerminationLocked(ctx) {
		return nil
	}
	e.armLocked(e.cfg.InterRoundPause, func(ctx context.Context) error {
		next, nextRound := match.NextPhase(match.PhaseReveal, round)
		return e.enterPhaseLocked(ctx, next, nextRound, false)
	})
	return nil
}

// sweepDisconnectsLocked marks unreachable living participants disconnected and
// reports whether that ended the match.
func (e *Engine) sweepDisconnectsLocked(ctx context.Context) (bool, error) {
	living := e.m.Living()
	if len(living) == 0 {
		return e.checkTerminationLocked(ctx), nil
	}

	unreachable, err := e.deps.Gateway.QueryUnreachable(ctx, e.m.ID, match.IDs(living))
	if err != nil {
		return false, err
	}
	if len(unreachable) == 0 {
		return false, nil
	}

	for _, id := range unreachable {
		p, ok := e.m.Participant(id)
		if !ok || !p.Alive() {
			continue
		}
		if err := e.eliminateLocked(ctx, p, match.ParticipantDisconnected, false); err != nil {
			e.logger.Warn("failed to persist disconnection", zap.Error(err))
		}
		e.logger.Info("participant disconnected", zap.String("participant_id", id))
	}
	return e.checkTerminationLocked(ctx), nil
}

// eliminateLocked moves p out of play. reveal exposes the alignment publicly.
func (e *Engine) eliminateLocked(ctx context.Context, p match.Participant, status match.ParticipantStatus, reveal bool) error {
	e.m.SetStatus(p.ID, status)

	notice := EliminationNotice{ParticipantID: p.ID, Round: e.m.Round, Cause: status}
	if reveal {
		notice.Alignment = p.Alignment
	}

	var errs []error
	if err := e.deps.State.SaveMatch(ctx, e.m, e.cfg.MatchCacheTTL); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Store.UpsertParticipantStatus(ctx, e.m.ID, p.ID, status); err != nil {
		errs = append(errs, err)
	}

	event, audit := broadcast.EventEliminated, auditElimination
	if status == match.ParticipantDisconnected {
		event, audit = broadcast.EventDisconnected, auditDisconnected
	}
	e.audit(ctx, audit, notice)
	e.notifyAll(ctx, event, notice)
	if status != match.ParticipantDisconnected {
		e.notifyOne(ctx, p.ID, broadcast.EventYouWereEliminated, notice)
	}
	return errors.Join(errs...)
}

// checkTerminationLocked ends the match when the roster decides it
func (e *Engine) checkTerminationLocked(ctx context.Context) bool {
	verdict := match.Evaluate(e.m.Participants)
	if !verdict.Terminal {
		return false
	}
	if err := e.endLocked(ctx, verdict); err != nil {
		e.logger.Error("failed to end match", zap.Error(err))
	}
	return true
}

// persistLocked writes the match to the cache first, then the durable store
func (e *Engine) persistLocked(ctx context.Context) error {
	var errs []error
	if err := e.deps.State.SaveMatch(ctx, e.m, e.cfg.MatchCacheTTL); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Store.UpsertMatch(ctx, e.m.ID, e.m.Status, e.m.Round, e.m.Phase, e.m.Winner); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) audit(ctx context.Context, eventType string, payload any) {
	if err := e.deps.Store.InsertAuditEvent(ctx, e.m.ID, e.m.Round, eventType, payload); err != nil {
		e.logger.Warn("failed to write audit event", zap.String("event", eventType), zap.Error(err))
	}
}

func (e *Engine) notifyAll(ctx context.Context, event string, payload any) {
	if err := e.deps.Gateway.NotifyAll(ctx, e.m.ID, event, payload); err != nil {
		e.logger.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) notifySubset(ctx context.Context, include func(match.Participant) bool, event string, payload any) {
	if err := e.deps.Gateway.NotifySubset(ctx, e.m.ID, e.m.Participants, include, event, payload); err != nil {
		e.logger.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) notifyOne(ctx context.Context, participantID, event string, payload any) {
	if err := e.deps.Gateway.NotifyOne(ctx, participantID, event, payload); err != nil {
		e.logger.Warn("private notification failed",
			zap.String("event", event),
			zap.String("participant_id", participantID),
			zap.Error(err),
		)
	}
}
