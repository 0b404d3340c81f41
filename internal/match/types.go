package match

import (
	"time"
)

// Status represents the lifecycle status of a match
type Status string

const (
	StatusSetup     Status = "setup"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Phase represents a stage of a round
type Phase string

const (
	PhaseStarting          Phase = "STARTING"
	PhaseEliminationChoice Phase = "ELIMINATION_CHOICE"
	PhaseDiscussion        Phase = "DISCUSSION"
	PhaseVote              Phase = "VOTE"
	PhaseReveal            Phase = "REVEAL"
	PhaseEnded             Phase = "ENDED"
)

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	switch p {
	case PhaseStarting, PhaseEliminationChoice, PhaseDiscussion, PhaseVote, PhaseReveal, PhaseEnded:
		return true
	default:
		return false
	}
}

// NextPhase returns the phase and round that follow phase in the fixed cycle.
// ENDED is terminal and maps onto itself.
func NextPhase(phase Phase, round int) (Phase, int) {
	switch phase {
	case PhaseStarting:
		return PhaseEliminationChoice, round
	case PhaseEliminationChoice:
		return PhaseDiscussion, round
	case PhaseDiscussion:
		return PhaseVote, round
	case PhaseVote:
		return PhaseReveal, round
	case PhaseReveal:
		return PhaseEliminationChoice, round + 1
	default:
		return PhaseEnded, round
	}
}

// RecoveryPhase returns the phase a stuck match is forced into. Unlike NextPhase,
// a match stuck in VOTE or REVEAL skips straight to the next round's
// ELIMINATION_CHOICE: the pending outcome of a stalled vote is not trusted.
func RecoveryPhase(phase Phase, round int) (Phase, int) {
	switch phase {
	case PhaseVote, PhaseReveal:
		return PhaseEliminationChoice, round + 1
	default:
		return NextPhase(phase, round)
	}
}

// Alignment is the side a participant is assigned at assembly
type Alignment string

const (
	AlignmentMinority Alignment = "minority"
	AlignmentMajority Alignment = "majority"
)

// ParticipantStatus is the mutable status of a participant within a match
type ParticipantStatus string

const (
	ParticipantAlive            ParticipantStatus = "alive"
	ParticipantEliminatedAction ParticipantStatus = "eliminated_action"
	ParticipantEliminatedVote   ParticipantStatus = "eliminated_vote"
	ParticipantDisconnected     ParticipantStatus = "disconnected"
)

// Outcome is the terminal result of a match
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeMajority Outcome = "majority"
	OutcomeMinority Outcome = "minority"
	OutcomeVoid     Outcome = "void"
)

// WinningSide returns the alignment that won, or false for void and undecided outcomes
func (o Outcome) WinningSide() (Alignment, bool) {
	switch o {
	case OutcomeMajority:
		return AlignmentMajority, true
	case OutcomeMinority:
		return AlignmentMinority, true
	default:
		return "", false
	}
}

// Participant is a member of a match
type Participant struct {
	ID        string            `json:"id"`
	Alignment Alignment         `json:"alignment"`
	Status    ParticipantStatus `json:"status"`
}

// Alive reports whether the participant is still in play
func (p Participant) Alive() bool {
	return p.Status == ParticipantAlive
}

// QueueEntry is a participant waiting for a match
type QueueEntry struct {
	ParticipantID string
	EnqueuedAt    time.Time
}

// PendingOutcome is the vote result held between vote close and reveal
type PendingOutcome struct {
	Round    int    `json:"round"`
	TargetID string `json:"target_id"`
	Votes    int    `json:"votes"`
}

// Match is the cached, serialisable state of one match
type Match struct {
	ID            string        `json:"id"`
	Status        Status        `json:"status"`
	Round         int           `json:"round"`
	Phase         Phase         `json:"phase"`
	PhaseDeadline time.Time     `json:"phase_deadline"`
	Winner        Outcome       `json:"winner,omitempty"`
	RewardPool    int           `json:"reward_pool"`
	Participants  []Participant `json:"participants"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of the match
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Participants = append([]Participant(nil), m.Participants...)
	if m.EndedAt != nil {
		ended := *m.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// Participant looks up a participant by id
func (m *Match) Participant(id string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// SetStatus updates a participant's status. It reports false when the id is unknown.
func (m *Match) SetStatus(id string, status ParticipantStatus) bool {
	for i := range m.Participants {
		if m.Participants[i].ID == id {
			m.Participants[i].Status = status
			return true
		}
	}
	return false
}

// Living returns the alive participants, optionally filtered by alignment
func (m *Match) Living(side ...Alignment) []Participant {
	living := make([]Participant, 0, len(m.Participants))
	for _, p := range m.Participants {
		if !p.Alive() {
			continue
		}
		if len(side) > 0 && p.Alignment != side[0] {
			continue
		}
		living = append(living, p)
	}
	return living
}

// IDs returns the ids of the given participants
func IDs(participants []Participant) []string {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	return ids
}

// Ended reports whether the match reached its terminal phase
func (m *Match) Ended() bool {
	return m.Phase == PhaseEnded || m.Status.Terminal()
}
