package engine

import (
	"time"

	"github.com/thraizz/nightfall-server/internal/match"
)

// Audit event types written to the durable log
const (
	auditPhaseEntered  = "phase_entered"
	auditElimination   = "elimination"
	auditNoElimination = "elimination_skipped"
	auditVoteClosed    = "vote_closed"
	auditVoteRevealed  = "vote_revealed"
	auditDisconnected  = "disconnected"
	auditRecovered     = "recovered"
	auditMatchEnded    = "match_ended"
	auditSettled       = "settled"
)

// PhaseNotice announces a phase transition
type PhaseNotice struct {
	Seq       int64       `json:"seq"`
	Phase     match.Phase `json:"phase"`
	Round     int         `json:"round"`
	Deadline  time.Time   `json:"deadline"`
	Recovered bool        `json:"recovered,omitempty"`
}

// RosterEntry is a participant as seen by everyone: no alignment
type RosterEntry struct {
	ID     string                  `json:"id"`
	Status match.ParticipantStatus `json:"status"`
}

// RosterNotice lists the participants of a match
type RosterNotice struct {
	Participants []RosterEntry `json:"participants"`
}

// TargetsNotice lists who may be chosen in the current round
type TargetsNotice struct {
	Round    int       `json:"round"`
	Targets  []string  `json:"targets"`
	Deadline time.Time `json:"deadline"`
}

// EliminationNotice reports a participant leaving play. Alignment is only set
// when the elimination reveals it.
type EliminationNotice struct {
	ParticipantID string                  `json:"participant_id"`
	Round         int                     `json:"round"`
	Cause         match.ParticipantStatus `json:"cause"`
	Alignment     match.Alignment         `json:"alignment,omitempty"`
}

// BallotsClosedNotice is sent when voting stops accepting ballots
type BallotsClosedNotice struct {
	Round   int `json:"round"`
	Ballots int `json:"ballots"`
}

// VoteResultNotice reveals the outcome of a vote
type VoteResultNotice struct {
	Round      int             `json:"round"`
	Eliminated string          `json:"eliminated,omitempty"`
	Alignment  match.Alignment `json:"alignment,omitempty"`
	Votes      int             `json:"votes"`
}

// EndNotice closes a match and reveals every alignment
type EndNotice struct {
	Outcome      match.Outcome       `json:"outcome"`
	Reason       string              `json:"reason"`
	Participants []match.Participant `json:"participants"`
}

// RewardNotice tells a participant what they earned
type RewardNotice struct {
	MatchID string   `json:"match_id"`
	Reward  int      `json:"reward"`
	Unlocks []string `json:"unlocks,omitempty"`
}

func roster(participants []match.Participant) RosterNotice {
	entries := make([]RosterEntry, len(participants))
	for i, p := range participants {
		entries[i] = RosterEntry{ID: p.ID, Status: p.Status}
	}
	return RosterNotice{Participants: entries}
}
