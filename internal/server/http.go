// Package server exposes the orchestration core over HTTP, WebSocket and a
// health-only gRPC listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/thraizz/nightfall-server/internal/actions"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/matchmaking"
	"github.com/thraizz/nightfall-server/internal/repository"
	"go.uber.org/zap"
)

const maxRequestBody = 4096

// Matchmaker is the queue surface used by the API
type Matchmaker interface {
	Enqueue(ctx context.Context, participantID string) (matchmaking.Ticket, error)
	Leave(ctx context.Context, participantID string) (bool, error)
}

// QueueReader reports queue status
type QueueReader interface {
	QueueLen(ctx context.Context) (int, error)
	QueuePosition(ctx context.Context, participantID string) (int, error)
	QueueRange(ctx context.Context, limit int) ([]match.QueueEntry, error)
}

// Submitter records participant actions
type Submitter interface {
	SubmitEliminationTarget(ctx context.Context, sub actions.Submission) error
	SubmitBallot(ctx context.Context, sub actions.Submission) error
}

// MatchReader loads a match snapshot
type MatchReader interface {
	LoadMatch(ctx context.Context, id string) (*match.Match, bool, error)
}

// AuditReader reads the durable audit log of a match
type AuditReader interface {
	AuditLog(ctx context.Context, matchID string) ([]repository.AuditEvent, error)
}

// EngineCounter reports the engines running in this process
type EngineCounter interface {
	InstanceID() string
	Len() int
}

// API bundles what the HTTP handlers need
type API struct {
	Queue   Matchmaker
	Waiting QueueReader
	Actions Submitter
	// Cache is consulted first, Archive when the cached copy has expired
	Cache   MatchReader
	Archive MatchReader
	History AuditReader
	Engines EngineCounter
	Events  http.Handler
}

// HTTPServer serves the REST and WebSocket endpoints
type HTTPServer struct {
	cfg    config.HTTPConfig
	api    API
	logger *zap.Logger
	srv    *http.Server
}

// NewHTTPServer wires the router behind CORS
func NewHTTPServer(cfg config.HTTPConfig, api API, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{cfg: cfg, api: api, logger: logger}
	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the complete handler chain
func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverRequests, s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.api.Events != nil {
		r.Handle("/ws", s.api.Events).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/queue", s.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)
	v1.HandleFunc("/queue/entries", s.handleQueueEntries).Methods(http.MethodGet)
	v1.HandleFunc("/queue/{participant}", s.handleLeave).Methods(http.MethodDelete)
	v1.HandleFunc("/matches/{id}", s.handleGetMatch).Methods(http.MethodGet)
	if s.api.History != nil {
		v1.HandleFunc("/matches/{id}/events", s.handleEvents).Methods(http.MethodGet)
	}
	v1.HandleFunc("/matches/{id}/target", s.handleSubmit(s.api.Actions.SubmitEliminationTarget)).Methods(http.MethodPost)
	v1.HandleFunc("/matches/{id}/ballot", s.handleSubmit(s.api.Actions.SubmitBallot)).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// ListenAndServe blocks until the server stops
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.cfg.Address))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains open requests
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type enqueueRequest struct {
	ParticipantID string `json:"participant_id"`
}

type ticketResponse struct {
	Position int    `json:"position,omitempty"`
	Waiting  int    `json:"waiting"`
	MatchID  string `json:"match_id,omitempty"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.ParticipantID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	ticket, err := s.api.Queue.Enqueue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ticket.Match != nil {
		writeJSON(w, http.StatusCreated, ticketResponse{MatchID: ticket.Match.ID})
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Position: ticket.Position, Waiting: ticket.Waiting})
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	waiting, err := s.api.Waiting.QueueLen(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := ticketResponse{Waiting: waiting}
	if id := strings.TrimSpace(r.URL.Query().Get("participant")); id != "" {
		if resp.Position, err = s.api.Waiting.QueuePosition(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

const (
	defaultQueueListing = 50
	maxQueueListing     = 500
)

type queueEntryView struct {
	ParticipantID string    `json:"participant_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// handleQueueEntries lists the longest-waiting participants, oldest first
func (s *HTTPServer) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueueListing
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxQueueListing)
	}

	entries, err := s.api.Waiting.QueueRange(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	waiting, err := s.api.Waiting.QueueLen(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]queueEntryView, len(entries))
	for i, e := range entries {
		views[i] = queueEntryView{ParticipantID: e.ParticipantID, EnqueuedAt: e.EnqueuedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"waiting": waiting, "entries": views})
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	removed, err := s.api.Queue.Leave(r.Context(), mux.Vars(r)["participant"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "participant is not queued")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// matchView is the public projection of a match
type matchView struct {
	ID            string            `json:"id"`
	Status        match.Status      `json:"status"`
	Round         int               `json:"round"`
	Phase         match.Phase       `json:"phase"`
	PhaseDeadline *time.Time        `json:"phase_deadline,omitempty"`
	Winner        match.Outcome     `json:"winner,omitempty"`
	RewardPool    int               `json:"reward_pool"`
	Participants  []participantView `json:"participants"`
	CreatedAt     time.Time         `json:"created_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
}

type participantView struct {
	ID        string                  `json:"id"`
	Status    match.ParticipantStatus `json:"status"`
	Alignment match.Alignment         `json:"alignment,omitempty"`
}

// viewOf hides the alignment of living participants until the match ends
func viewOf(m *match.Match) matchView {
	v := matchView{
		ID:           m.ID,
		Status:       m.Status,
		Round:        m.Round,
		Phase:        m.Phase,
		Winner:       m.Winner,
		RewardPool:   m.RewardPool,
		CreatedAt:    m.CreatedAt,
		EndedAt:      m.EndedAt,
		Participants: make([]participantView, 0, len(m.Participants)),
	}
	if !m.PhaseDeadline.IsZero() && !m.Ended() {
		deadline := m.PhaseDeadline
		v.PhaseDeadline = &deadline
	}
	for _, p := range m.Participants {
		pv := participantView{ID: p.ID, Status: p.Status}
		if m.Ended() || !p.Alive() {
			pv.Alignment = p.Alignment
		}
		v.Participants = append(v.Participants, pv)
	}
	return v
}

func (s *HTTPServer) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, found, err := s.api.Cache.LoadMatch(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found && s.api.Archive != nil {
		if m, found, err = s.api.Archive.LoadMatch(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if !found {
		s.fail(w, r, match.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.api.History.AuditLog(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(events) == 0 {
		s.fail(w, r, match.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleSubmit(submit func(context.Context, actions.Submission) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub actions.Submission
		if err := decodeBody(w, r, &sub); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.MatchID = mux.Vars(r)["id"]
		if sub.Actor == "" || sub.Target == "" || sub.Round < 1 {
			writeError(w, http.StatusBadRequest, "round, actor and target are required")
			return
		}
		if err := submit(r.Context(), sub); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.api.Engines != nil {
		resp["instance"] = s.api.Engines.InstanceID()
		resp["engines"] = s.api.Engines.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps domain errors onto status codes; anything else is a 500
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := match.AsRejection(err); ok {
		writeJSON(w, rejectionStatus(rej.Code), map[string]string{
			"error": rej.Reason,
			"code":  string(rej.Code),
		})
		return
	}
	switch {
	case errors.Is(err, match.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, match.ErrAlreadyInMatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusRequestTimeout)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func rejectionStatus(code match.RejectionCode) int {
	switch code {
	case match.RejectInvalidTarget, match.RejectNotMinority, match.RejectActorNotAlive:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades need the raw writer for hijacking
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *HTTPServer) recoverRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in http handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
