package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/thraizz/nightfall-server/internal/engine"

// Engine is the single writer of one match. Every mutation happens under mu;
// timer callbacks carry the generation they were armed with and do nothing once
// a newer timer has replaced them.
type Engine struct {
	cfg    Config
	deps   Deps
	owner  string
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// ctx outlives any single request; timer callbacks run with it
	ctx     context.Context
	onEnd   func(matchID string)
	stopped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	m       *match.Match
	timer   *time.Timer
	gen     uint64
	closing bool // vote closed, waiting out the pre-reveal grace
	ended   bool
	halted  bool
	running bool
}

func newEngine(ctx context.Context, m *match.Match, owner string, cfg Config, deps Deps, logger *zap.Logger, onEnd func(string)) *Engine {
	if deps.Gateway == nil {
		deps.Gateway = broadcast.Noop{}
	}
	if onEnd == nil {
		onEnd = func(string) {}
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		owner:   owner,
		logger:  logger.With(zap.String("match_id", m.ID)),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		ctx:     ctx,
		onEnd:   onEnd,
		stopped: make(chan struct{}),
		m:       m.Clone(),
	}
}

// detach keeps the caller's context values but drops its cancellation.
// Transitions run to completion once started.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// ID returns the match id
func (e *Engine) ID() string {
	return e.m.ID
}

// Snapshot returns a copy of the current match state
func (e *Engine) Snapshot() *match.Match {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.Clone()
}

// Ended reports whether the match has reached its terminal state
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// Start enters STARTING for a freshly assembled match and begins driving it
func (e *Engine) Start(ctx context.Context) error {
	ctx = detach(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.halted {
		return nil
	}
	e.runLocked()
	return e.enterPhaseLocked(ctx, match.PhaseStarting, 1, false)
}

// CheckCompletion advances the current phase early when its completion
// predicate holds. It is called after every accepted submission; the caller
// going away does not interrupt a transition once started.
func (e *Engine) CheckCompletion(ctx context.Context) (err error) {
	ctx = detach(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverPanic("check completion", &err)
	if e.ended || e.halted {
		return nil
	}

	switch e.m.Phase {
	case match.PhaseEliminationChoice:
		_, _, ok, err := e.deps.State.Target(ctx, e.m.ID, e.m.Round)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.disarmLocked()
		return e.finishEliminationLocked(ctx)

	case match.PhaseVote:
		if e.closing {
			return nil
		}
		ballots, err := e.deps.State.Ballots(ctx, e.m.ID, e.m.Round)
		if err != nil {
			return err
		}
		for _, p := range e.m.Living() {
			if _, voted := ballots[p.ID]; !voted {
				return nil
			}
		}
		return e.closeVoteLocked(ctx)
	}
	return nil
}

// ForceAdvance moves a stuck match on to its recovery phase. Matches stuck in
// VOTE or REVEAL drop their pending outcome and skip to the next round.
func (e *Engine) ForceAdvance(ctx context.Context, reason string) (err error) {
	ctx = detach(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverPanic("force advance", &err)
	if e.ended || e.halted {
		return nil
	}
	e.runLocked()
	e.disarmLocked()
	e.closing = false

	from, round := e.m.Phase, e.m.Round
	next, nextRound := match.RecoveryPhase(from, round)
	if from == match.PhaseVote || from == match.PhaseReveal {
		if err := e.deps.State.ClearPendingOutcome(ctx, e.m.ID); err != nil {
			e.logger.Warn("failed to clear pending outcome", zap.Error(err))
		}
	}

	e.logger.Warn("forcing phase advance",
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("round", nextRound),
		zap.String("reason", reason),
	)
	e.audit(ctx, auditRecovered, map[string]any{
		"from":   from,
		"to":     next,
		"reason": reason,
	})
	return e.enterPhaseLocked(ctx, next, nextRound, true)
}

// Abort ends the match as void
func (e *Engine) Abort(ctx context.Context, reason string) (err error) {
	ctx = detach(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverPanic("abort", &err)
	if e.ended || e.halted {
		return nil
	}
	return e.endLocked(ctx, match.Verdict{Terminal: true, Outcome: match.OutcomeVoid, Reason: reason})
}

// Stop halts the engine without ending the match and releases its ownership
// claim so another process can recover it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.disarmLocked()
	ended := e.ended
	e.mu.Unlock()

	e.once.Do(func() { close(e.stopped) })
	if ended {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.deps.State.ReleaseOwner(ctx, e.m.ID, e.owner); err != nil {
		e.logger.Warn("failed to release ownership", zap.Error(err))
	}
}

// runLocked binds the gateway and starts the ownership heartbeat once
func (e *Engine) runLocked() {
	if e.running {
		return
	}
	e.running = true
	if b, ok := e.deps.Gateway.(broadcast.Binder); ok {
		b.Bind(e.m.ID, match.IDs(e.m.Participants))
	}
	if e.cfg.LeaseTTL > 0 {
		go e.heartbeat(e.cfg.LeaseTTL / 3)
	}
}

func (e *Engine) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopped:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.deps.State.RefreshOwner(e.ctx, e.m.ID, e.owner, e.cfg.LeaseTTL)
			if err != nil {
				e.logger.Warn("failed to refresh ownership", zap.Error(err))
				continue
			}
			if !ok {
				e.logger.Error("lost ownership of match, halting engine")
				e.Stop()
				e.onEnd(e.m.ID)
				return
			}
		}
	}
}

// armLocked replaces the outstanding timer with one that runs step after d
func (e *Engine) armLocked(d time.Duration, step func(ctx context.Context) error) {
	e.disarmLocked()
	gen := e.gen
	e.timer = time.AfterFunc(d, func() { e.fire(gen, step) })
}

// disarmLocked cancels the outstanding timer and invalidates any callback in flight
func (e *Engine) disarmLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) fire(gen uint64, step func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverPanic("timer", nil)

	if gen != e.gen || e.ended || e.halted {
		return
	}
	e.timer = nil
	if err := step(e.ctx); err != nil {
		e.logger.Error("phase step failed",
			zap.String("phase", string(e.m.Phase)),
			zap.Int("round", e.m.Round),
			zap.Error(err),
		)
	}
}

func (e *Engine) recoverPanic(op string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("recovered panic in engine",
		zap.String("op", op),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	if err != nil {
		*err = fmt.Errorf("engine %s panicked: %v", op, r)
	}
}
