package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap"
)

// ErrClaimed is returned when another process already drives the match
var ErrClaimed = errors.New("match is owned by another process")

// Registry tracks the engines running in this process. Ownership across
// processes is arbitrated by a claim in the shared fast state.
type Registry struct {
	ctx        context.Context
	instanceID string
	cfg        Config
	deps       Deps
	logger     *zap.Logger

	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates a registry. ctx bounds the lifetime of every engine it starts.
func NewRegistry(ctx context.Context, instanceID string, cfg Config, deps Deps, logger *zap.Logger) *Registry {
	return &Registry{
		ctx:        ctx,
		instanceID: instanceID,
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		engines:    make(map[string]*Engine),
	}
}

// InstanceID identifies this process in ownership claims
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Start claims a freshly assembled match and enters STARTING
func (r *Registry) Start(ctx context.Context, m *match.Match) (*Engine, error) {
	ctx = detach(ctx)
	e, err := r.claim(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		r.logger.Warn("match started with errors", zap.String("match_id", m.ID), zap.Error(err))
	}
	return e, nil
}

// Adopt claims an existing match without arming any timer. The caller decides
// how to resume it, typically with ForceAdvance or Abort.
func (r *Registry) Adopt(ctx context.Context, m *match.Match) (*Engine, error) {
	return r.claim(ctx, m)
}

func (r *Registry) claim(ctx context.Context, m *match.Match) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[m.ID]; ok {
		return e, nil
	}

	ok, err := r.deps.State.ClaimOwner(ctx, m.ID, r.instanceID, r.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClaimed
	}

	e := newEngine(r.ctx, m, r.instanceID, r.cfg, r.deps, r.logger, r.Release)
	r.engines[m.ID] = e
	r.logger.Debug("engine registered", zap.String("match_id", m.ID))
	return e, nil
}

// Get returns the local engine of a match
func (r *Registry) Get(matchID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[matchID]
	return e, ok
}

// Release forgets a local engine
func (r *Registry) Release(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, matchID)
}

// IsOwned reports whether any process holds the claim on a match
func (r *Registry) IsOwned(ctx context.Context, matchID string) (bool, error) {
	owner, err := r.deps.State.Owner(ctx, matchID)
	if err != nil {
		return false, err
	}
	return owner != "", nil
}

// Len returns the number of local engines
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// StopAll halts every local engine and releases their claims
func (r *Registry) StopAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	r.logger.Info("engines stopped", zap.Int("count", len(engines)))
}
