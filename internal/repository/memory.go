package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thraizz/nightfall-server/internal/match"
)

// AuditEvent is one entry of a match audit log
type AuditEvent struct {
	MatchID   string          `json:"match_id"`
	Round     int             `json:"round"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// MemoryStore keeps the durable model in process memory. It backs development
// runs without PostgreSQL and the tests of the orchestration packages.
type MemoryStore struct {
	mu       sync.Mutex
	matches  map[string]*match.Match
	settled  map[string]bool
	events   []AuditEvent
	stats    map[string]StatSnapshot
	failNext error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[string]*match.Match),
		settled: make(map[string]bool),
		stats:   make(map[string]StatSnapshot),
	}
}

// FailNext makes the next write return err
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// CreateMatch stores a new match
func (s *MemoryStore) CreateMatch(ctx context.Context, m *match.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, exists := s.matches[m.ID]; exists {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

// UpsertMatch writes the mutable match columns
func (s *MemoryStore) UpsertMatch(ctx context.Context, id string, status match.Status, round int, phase match.Phase, winner match.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	m, ok := s.matches[id]
	if !ok {
		m = &match.Match{ID: id, CreatedAt: time.Now()}
		s.matches[id] = m
	}
	m.Status, m.Round, m.Phase, m.Winner = status, round, phase, winner
	if status.Terminal() && m.EndedAt == nil {
		now := time.Now()
		m.EndedAt = &now
	}
	return nil
}

// InsertAuditEvent appends to the audit log
func (s *MemoryStore) InsertAuditEvent(ctx context.Context, matchID string, round int, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, AuditEvent{
		MatchID:   matchID,
		Round:     round,
		EventType: eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	})
	return nil
}

// UpsertParticipantStatus writes a participant's status within a match
func (s *MemoryStore) UpsertParticipantStatus(ctx context.Context, matchID, participantID string, status match.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	m, ok := s.matches[matchID]
	if !ok || !m.SetStatus(participantID, status) {
		return fmt.Errorf("participant %s not found in match %s", participantID, matchID)
	}
	return nil
}

// LoadMatch returns a copy of a stored match
func (s *MemoryStore) LoadMatch(ctx context.Context, id string) (*match.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, false, nil
	}
	return m.Clone(), true, nil
}

// Events returns the audit log of a match in insertion order
func (s *MemoryStore) Events(matchID string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.MatchID == matchID {
			out = append(out, e)
		}
	}
	return out
}

// AuditLog returns the audit events of a match, oldest first
func (s *MemoryStore) AuditLog(ctx context.Context, matchID string) ([]AuditEvent, error) {
	return s.Events(matchID), nil
}

// ReadStatSnapshot returns current stats for ids
func (s *MemoryStore) ReadStatSnapshot(ctx context.Context, ids []string) (map[string]StatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StatSnapshot, len(ids))
	for _, id := range ids {
		snap, ok := s.stats[id]
		if !ok {
			snap = StatSnapshot{ParticipantID: id}
		}
		snap.Unlocks = append([]string(nil), snap.Unlocks...)
		out[id] = snap
	}
	return out, nil
}

// ApplySettlement records a match's results once
func (s *MemoryStore) ApplySettlement(ctx context.Context, matchID string, settlements []Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	if s.settled[matchID] {
		return false, nil
	}
	s.settled[matchID] = true

	for _, st := range settlements {
		snap, ok := s.stats[st.ParticipantID]
		if !ok {
			snap = StatSnapshot{ParticipantID: st.ParticipantID}
		}
		snap.GamesPlayed++
		snap.Wins += boolToInt(st.Won)
		snap.Losses += boolToInt(st.Lost)
		snap.Survivals += boolToInt(st.Survived)
		snap.Coins += int64(st.Reward)
		for _, u := range st.Unlocks {
			if !containsString(snap.Unlocks, u) {
				snap.Unlocks = append(snap.Unlocks, u)
			}
		}
		sort.Strings(snap.Unlocks)
		s.stats[st.ParticipantID] = snap
	}
	return true, nil
}

// Settled reports whether a match has been settled
func (s *MemoryStore) Settled(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[matchID]
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
