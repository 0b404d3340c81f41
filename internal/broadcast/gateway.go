package broadcast

import (
	"context"
	"time"

	"github.com/thraizz/nightfall-server/internal/match"
)

// Event types sent to participants and observers
const (
	EventAssignment         = "assignment"
	EventPhaseChanged       = "phase_changed"
	EventRoster             = "roster"
	EventEliminationTargets = "elimination_targets"
	EventDiscussion         = "discussion"
	EventVoteTargets        = "vote_targets"
	EventBallotsClosed      = "ballots_closed"
	EventEliminated         = "eliminated"
	EventYouWereEliminated  = "you_were_eliminated"
	EventDisconnected       = "participant_disconnected"
	EventVoteResult         = "vote_result"
	EventMatchEnded         = "match_ended"
	EventReward             = "reward"
)

// Gateway is the narrow publish interface the orchestration core calls
type Gateway interface {
	// NotifyAll sends to every participant and observer of a match
	NotifyAll(ctx context.Context, matchID, event string, payload any) error
	// NotifySubset sends to the roster members accepted by include
	NotifySubset(ctx context.Context, matchID string, roster []match.Participant, include func(match.Participant) bool, event string, payload any) error
	// NotifyOne sends privately to a single participant
	NotifyOne(ctx context.Context, participantID, event string, payload any) error
	// QueryUnreachable returns the candidates that can no longer be reached
	QueryUnreachable(ctx context.Context, matchID string, candidates []string) ([]string, error)
}

// Binder is implemented by gateways that track match membership
type Binder interface {
	Bind(matchID string, participantIDs []string)
	Unbind(matchID string)
}

// Envelope is the wire format of every message
type Envelope struct {
	Type    string    `json:"type"`
	MatchID string    `json:"match_id,omitempty"`
	Seq     int64     `json:"seq"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Noop discards every notification and reports everyone reachable
type Noop struct{}

func (Noop) NotifyAll(context.Context, string, string, any) error { return nil }

func (Noop) NotifySubset(context.Context, string, []match.Participant, func(match.Participant) bool, string, any) error {
	return nil
}

func (Noop) NotifyOne(context.Context, string, string, any) error { return nil }

func (Noop) QueryUnreachable(context.Context, string, []string) ([]string, error) { return nil, nil }
