package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/rewards"
	"go.uber.org/zap"
)

// endLocked enters ENDED. It runs at most once per engine; settlement is
// additionally guarded by the durable store so a second process cannot pay out twice.
func (e *Engine) endLocked(ctx context.Context, verdict match.Verdict) error {
	if e.ended {
		return nil
	}
	e.ended = true
	e.closing = false
	e.disarmLocked()

	ctx, span := e.tracer.Start(ctx, "engine.end")
	defer span.End()

	endedAt := e.now()
	e.m.Phase = match.PhaseEnded
	e.m.Winner = verdict.Outcome
	e.m.EndedAt = &endedAt
	e.m.PhaseDeadline = endedAt
	e.m.Status = match.StatusFinished
	if verdict.Outcome == match.OutcomeVoid {
		e.m.Status = match.StatusCancelled
	}

	e.logger.Info("match ended",
		zap.String("outcome", string(verdict.Outcome)),
		zap.String("reason", verdict.Reason),
		zap.Int("round", e.m.Round),
	)

	var errs []error
	if err := e.deps.State.SaveMatch(ctx, e.m, e.cfg.FinishedRetention); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Store.UpsertMatch(ctx, e.m.ID, e.m.Status, e.m.Round, e.m.Phase, e.m.Winner); err != nil {
		errs = append(errs, err)
	}

	notice := EndNotice{
		Outcome:      verdict.Outcome,
		Reason:       verdict.Reason,
		Participants: append([]match.Participant(nil), e.m.Participants...),
	}
	e.audit(ctx, auditMatchEnded, notice)
	e.notifyAll(ctx, broadcast.EventMatchEnded, notice)

	if err := e.settleLocked(ctx, verdict.Outcome); err != nil {
		errs = append(errs, err)
	}
	e.releaseLocked(ctx)
	return errors.Join(errs...)
}

// settleLocked pays out rewards and grants unlocks. Void matches settle nothing.
func (e *Engine) settleLocked(ctx context.Context, outcome match.Outcome) error {
	if _, ok := outcome.WinningSide(); !ok {
		return nil
	}

	snapshots, err := e.deps.Stats.ReadStatSnapshot(ctx, match.IDs(e.m.Participants))
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	settlements := rewards.Settle(e.m.Participants, outcome, e.m.RewardPool, snapshots)

	applied, err := e.deps.Stats.ApplySettlement(ctx, e.m.ID, settlements)
	if err != nil {
		return fmt.Errorf("failed to apply settlement: %w", err)
	}
	if !applied {
		e.logger.Info("match already settled")
		return nil
	}

	e.audit(ctx, auditSettled, map[string]any{
		"outcome":     outcome,
		"distributed": rewards.Distributed(settlements),
	})
	for _, s := range settlements {
		if s.Reward == 0 && len(s.Unlocks) == 0 {
			continue
		}
		e.notifyOne(ctx, s.ParticipantID, broadcast.EventReward, RewardNotice{
			MatchID: e.m.ID,
			Reward:  s.Reward,
			Unlocks: s.Unlocks,
		})
	}
	return nil
}

// releaseLocked frees everything that tied participants and this process to the match
func (e *Engine) releaseLocked(ctx context.Context) {
	id := e.m.ID
	if err := e.deps.State.IndexRemove(ctx, id); err != nil {
		e.logger.Warn("failed to remove match from active index", zap.Error(err))
	}
	if err := e.deps.State.ExpireMatch(ctx, id, e.cfg.FinishedRetention); err != nil {
		e.logger.Warn("failed to set post-finish retention", zap.Error(err))
	}
	for _, p := range e.m.Participants {
		if err := e.deps.State.ClearMembership(ctx, p.ID, id); err != nil {
			e.logger.Warn("failed to clear membership", zap.String("participant_id", p.ID), zap.Error(err))
		}
	}
	if b, ok := e.deps.Gateway.(broadcast.Binder); ok {
		b.Unbind(id)
	}
	if err := e.deps.State.ReleaseOwner(ctx, id, e.owner); err != nil {
		e.logger.Warn("failed to release ownership", zap.Error(err))
	}

	e.once.Do(func() { close(e.stopped) })
	e.onEnd(id)
}
