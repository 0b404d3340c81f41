package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ballotsFor(counts map[string]int) map[string]string {
	ballots := make(map[string]string)
	n := 0
	for target, c := range counts {
		for i := 0; i < c; i++ {
			n++
			ballots[target+"-voter-"+string(rune('a'+n))] = target
		}
	}
	return ballots
}

func TestTallyExactTieAtTop(t *testing.T) {
	target, votes, ok := Tally(ballotsFor(map[string]int{"A": 3, "B": 3, "C": 1}))
	assert.False(t, ok)
	assert.Empty(t, target)
	assert.Zero(t, votes)
}

func TestTallyStrictPlurality(t *testing.T) {
	target, votes, ok := Tally(ballotsFor(map[string]int{"A": 4, "B": 3, "C": 1}))
	require.True(t, ok)
	assert.Equal(t, "A", target)
	assert.Equal(t, 4, votes)
}

func TestTallyTieBelowTopDoesNotMatter(t *testing.T) {
	target, votes, ok := Tally(ballotsFor(map[string]int{"A": 3, "B": 1, "C": 1}))
	require.True(t, ok)
	assert.Equal(t, "A", target)
	assert.Equal(t, 3, votes)
}

func TestTallyEmpty(t *testing.T) {
	_, _, ok := Tally(nil)
	assert.False(t, ok)
}

func roster(statuses map[string]ParticipantStatus, minority ...string) []Participant {
	minoritySet := make(map[string]bool)
	for _, id := range minority {
		minoritySet[id] = true
	}
	participants := make([]Participant, 0, len(statuses))
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		alignment := AlignmentMajority
		if minoritySet[id] {
			alignment = AlignmentMinority
		}
		participants = append(participants, Participant{ID: id, Alignment: alignment, Status: status})
	}
	return participants
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]ParticipantStatus
		terminal bool
		outcome  Outcome
	}{
		{
			name: "everyone alive continues",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantAlive, "p2": ParticipantAlive, "p3": ParticipantAlive,
				"p4": ParticipantAlive, "p5": ParticipantAlive, "p6": ParticipantAlive,
			},
		},
		{
			name: "minority lost purely to disconnect is void",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantDisconnected, "p2": ParticipantDisconnected, "p3": ParticipantAlive,
				"p4": ParticipantAlive, "p5": ParticipantAlive, "p6": ParticipantAlive,
			},
			terminal: true,
			outcome:  OutcomeVoid,
		},
		{
			name: "one minority disconnected and one voted out is a majority win",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantDisconnected, "p2": ParticipantEliminatedVote, "p3": ParticipantAlive,
				"p4": ParticipantAlive, "p5": ParticipantAlive, "p6": ParticipantAlive,
			},
			terminal: true,
			outcome:  OutcomeMajority,
		},
		{
			name: "majority wiped out is a minority win",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantAlive, "p2": ParticipantAlive, "p3": ParticipantEliminatedAction,
				"p4": ParticipantEliminatedVote, "p5": ParticipantEliminatedAction, "p6": ParticipantEliminatedVote,
			},
			terminal: true,
			outcome:  OutcomeMinority,
		},
		{
			name: "more than half disconnected is void even if a side is wiped",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantEliminatedVote, "p2": ParticipantEliminatedAction, "p3": ParticipantDisconnected,
				"p4": ParticipantDisconnected, "p5": ParticipantDisconnected, "p6": ParticipantDisconnected,
			},
			terminal: true,
			outcome:  OutcomeVoid,
		},
		{
			name: "exactly half disconnected is not void on its own",
			statuses: map[string]ParticipantStatus{
				"p1": ParticipantAlive, "p2": ParticipantAlive, "p3": ParticipantDisconnected,
				"p4": ParticipantDisconnected, "p5": ParticipantDisconnected, "p6": ParticipantAlive,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Evaluate(roster(tt.statuses, "p1", "p2"))
			assert.Equal(t, tt.terminal, verdict.Terminal)
			assert.Equal(t, tt.outcome, verdict.Outcome)
		})
	}
}

func TestSplitReward(t *testing.T) {
	share := SplitReward(1000, 3)
	assert.Equal(t, 333, share)
	assert.LessOrEqual(t, share*3, 1000)

	assert.Zero(t, SplitReward(1000, 0))
	assert.Zero(t, SplitReward(0, 3))
}

func TestWinners(t *testing.T) {
	participants := roster(map[string]ParticipantStatus{
		"p1": ParticipantEliminatedVote, "p2": ParticipantEliminatedVote, "p3": ParticipantAlive,
		"p4": ParticipantAlive, "p5": ParticipantEliminatedAction, "p6": ParticipantAlive,
	}, "p1", "p2")

	winners := Winners(participants, OutcomeMajority)
	assert.Equal(t, []string{"p3", "p4", "p6"}, IDs(winners))
	assert.Empty(t, Winners(participants, OutcomeVoid))
}

func TestNextPhaseCycle(t *testing.T) {
	phase, round := PhaseStarting, 1
	expected := []struct {
		phase Phase
		round int
	}{
		{PhaseEliminationChoice, 1},
		{PhaseDiscussion, 1},
		{PhaseVote, 1},
		{PhaseReveal, 1},
		{PhaseEliminationChoice, 2},
	}
	for _, want := range expected {
		phase, round = NextPhase(phase, round)
		assert.Equal(t, want.phase, phase)
		assert.Equal(t, want.round, round)
	}

	phase, round = NextPhase(PhaseEnded, 4)
	assert.Equal(t, PhaseEnded, phase)
	assert.Equal(t, 4, round)
}

func TestRecoveryPhase(t *testing.T) {
	phase, round := RecoveryPhase(PhaseVote, 2)
	assert.Equal(t, PhaseEliminationChoice, phase)
	assert.Equal(t, 3, round)

	phase, round = RecoveryPhase(PhaseReveal, 2)
	assert.Equal(t, PhaseEliminationChoice, phase)
	assert.Equal(t, 3, round)

	phase, round = RecoveryPhase(PhaseDiscussion, 2)
	assert.Equal(t, PhaseVote, phase)
	assert.Equal(t, 2, round)
}

func TestMatchCloneIsDeep(t *testing.T) {
	m := &Match{ID: "m1", Participants: []Participant{{ID: "p1", Status: ParticipantAlive}}}
	cp := m.Clone()
	cp.SetStatus("p1", ParticipantEliminatedVote)

	p, ok := m.Participant("p1")
	require.True(t, ok)
	assert.True(t, p.Alive())
}
