package broadcast

import (
	"context"
	"sync"

	"github.com/thraizz/nightfall-server/internal/match"
)

// Delivery is one notification captured by a Recorder
type Delivery struct {
	MatchID    string
	Recipients []string // nil for NotifyAll
	Event      string
	Payload    any
}

// Recorder is an in-memory Gateway that keeps every notification. Unreachable
// participants are set explicitly.
type Recorder struct {
	mu          sync.Mutex
	deliveries  []Delivery
	unreachable map[string]bool
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{unreachable: make(map[string]bool)}
}

// SetUnreachable marks participants as unreachable (or reachable again)
func (r *Recorder) SetUnreachable(unreachable bool, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if unreachable {
			r.unreachable[id] = true
		} else {
			delete(r.unreachable, id)
		}
	}
}

func (r *Recorder) NotifyAll(ctx context.Context, matchID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{MatchID: matchID, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) NotifySubset(ctx context.Context, matchID string, roster []match.Participant, include func(match.Participant) bool, event string, payload any) error {
	recipients := make([]string, 0, len(roster))
	for _, p := range roster {
		if include == nil || include(p) {
			recipients = append(recipients, p.ID)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{MatchID: matchID, Recipients: recipients, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) NotifyOne(ctx context.Context, participantID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{Recipients: []string{participantID}, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) QueryUnreachable(ctx context.Context, matchID string, candidates []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range candidates {
		if r.unreachable[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Deliveries returns a copy of everything recorded so far
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Events returns the recorded deliveries of one event type
func (r *Recorder) Events(event string) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delivery
	for _, d := range r.deliveries {
		if d.Event == event {
			out = append(out, d)
		}
	}
	return out
}
