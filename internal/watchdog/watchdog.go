// Package watchdog periodically supervises active matches and repairs the
// ones whose engine stopped making progress.
package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/engine"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap"
)

// Reasons recorded on forced transitions
const (
	ReasonStuck    = "stuck"
	ReasonNoLiving = "no_living_participants"
)

var errOwnedByOther = errors.New("match owned by another process")

// FastState is the part of the shared state the watchdog scans
type FastState interface {
	IndexList(ctx context.Context) ([]string, error)
	IndexRemove(ctx context.Context, matchID string) error
	LoadMatch(ctx context.Context, id string) (*match.Match, bool, error)
}

// Registry resolves or adopts the engine of a match
type Registry interface {
	Get(matchID string) (*engine.Engine, bool)
	IsOwned(ctx context.Context, matchID string) (bool, error)
	Adopt(ctx context.Context, m *match.Match) (*engine.Engine, error)
}

// Report summarises one scan
type Report struct {
	Scanned   int
	Dropped   int
	Skipped   int
	Recovered int
	Voided    int
	Failed    int
}

// Watchdog scans the active index on a fixed interval
type Watchdog struct {
	cfg      config.WatchdogConfig
	state    FastState
	registry Registry
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a watchdog
func New(cfg config.WatchdogConfig, state FastState, registry Registry, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		state:    state,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Run scans until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("stuck_threshold", w.cfg.StuckThreshold),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				w.logger.Error("watchdog scan failed", zap.Error(err))
			}
		}
	}
}

// Scan inspects every active match once. Missing and finished matches are
// not faults; per-match failures are logged and counted, never returned.
func (w *Watchdog) Scan(ctx context.Context) (Report, error) {
	var report Report
	ids, err := w.state.IndexList(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		report.Scanned++
		if err := w.inspect(ctx, id, &report); err != nil {
			report.Failed++
			w.logger.Error("failed to supervise match", zap.String("match_id", id), zap.Error(err))
		}
	}

	if report.Dropped+report.Recovered+report.Voided+report.Failed > 0 {
		w.logger.Info("watchdog scan complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("dropped", report.Dropped),
			zap.Int("recovered", report.Recovered),
			zap.Int("voided", report.Voided),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (w *Watchdog) inspect(ctx context.Context, id string, report *Report) error {
	m, found, err := w.state.LoadMatch(ctx, id)
	if err != nil {
		return err
	}
	if !found || m.Ended() {
		report.Dropped++
		return w.state.IndexRemove(ctx, id)
	}

	if len(m.Living()) == 0 {
		e, err := w.driver(ctx, m)
		if errors.Is(err, errOwnedByOther) {
			report.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		w.logger.Warn("voiding match without living participants", zap.String("match_id", id))
		report.Voided++
		return e.Abort(ctx, ReasonNoLiving)
	}

	overdue := w.now().Sub(m.PhaseDeadline)
	if overdue <= w.cfg.StuckThreshold {
		report.Skipped++
		return nil
	}

	e, err := w.driver(ctx, m)
	if errors.Is(err, errOwnedByOther) {
		report.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	// a local engine may have advanced since the cached read
	if snap := e.Snapshot(); snap.Phase != m.Phase || snap.Round != m.Round || snap.Ended() {
		report.Skipped++
		return nil
	}

	w.logger.Warn("recovering stuck match",
		zap.String("match_id", id),
		zap.String("phase", string(m.Phase)),
		zap.Int("round", m.Round),
		zap.Duration("overdue", overdue),
	)
	report.Recovered++
	return e.ForceAdvance(ctx, ReasonStuck)
}

// driver returns the engine that may write m: the local one, or a freshly
// adopted one when no process holds the claim.
func (w *Watchdog) driver(ctx context.Context, m *match.Match) (*engine.Engine, error) {
	if e, ok := w.registry.Get(m.ID); ok {
		return e, nil
	}

	owned, err := w.registry.IsOwned(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, errOwnedByOther
	}

	e, err := w.registry.Adopt(ctx, m)
	if errors.Is(err, engine.ErrClaimed) {
		return nil, errOwnedByOther
	}
	if err != nil {
		return nil, err
	}
	w.logger.Info("adopted unowned match", zap.String("match_id", m.ID))
	return e, nil
}
