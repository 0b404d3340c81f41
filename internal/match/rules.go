package match

import (
	"sort"
)

// Tally counts ballots per target and returns the strict plurality winner.
// An exact tie at the top count produces no target.
func Tally(ballots map[string]string) (target string, votes int, ok bool) {
	counts := make(map[string]int, len(ballots))
	for _, t := range ballots {
		if t == "" {
			continue
		}
		counts[t]++
	}

	tied := false
	for t, c := range counts {
		switch {
		case c > votes:
			target, votes, tied = t, c, false
		case c == votes:
			tied = true
		}
	}

	if votes == 0 || tied {
		return "", 0, false
	}
	return target, votes, true
}

// Verdict is the result of a termination check
type Verdict struct {
	Terminal bool
	Outcome  Outcome
	Reason   string
}

// Evaluate runs the termination check in priority order:
// disconnect majority, minority wiped out, majority wiped out.
func Evaluate(participants []Participant) Verdict {
	total := len(participants)
	var disconnected, minorityAlive, majorityAlive, minorityRemoved int
	for _, p := range participants {
		switch {
		case p.Status == ParticipantDisconnected:
			disconnected++
		case p.Alive() && p.Alignment == AlignmentMinority:
			minorityAlive++
		case p.Alive() && p.Alignment == AlignmentMajority:
			majorityAlive++
		case p.Alignment == AlignmentMinority:
			minorityRemoved++
		}
	}

	if 2*disconnected > total {
		return Verdict{Terminal: true, Outcome: OutcomeVoid, Reason: "majority_disconnected"}
	}
	if minorityAlive == 0 && minorityRemoved > 0 {
		return Verdict{Terminal: true, Outcome: OutcomeMajority, Reason: "minority_eliminated"}
	}
	if minorityAlive == 0 {
		return Verdict{Terminal: true, Outcome: OutcomeVoid, Reason: "minority_disconnected"}
	}
	if majorityAlive == 0 {
		return Verdict{Terminal: true, Outcome: OutcomeMinority, Reason: "majority_eliminated"}
	}
	return Verdict{}
}

// SplitReward returns the per-winner share of pool. The remainder is dropped.
func SplitReward(pool, winners int) int {
	if winners <= 0 || pool <= 0 {
		return 0
	}
	return pool / winners
}

// Winners returns the living members of the winning side, sorted by id
func Winners(participants []Participant, outcome Outcome) []Participant {
	side, ok := outcome.WinningSide()
	if !ok {
		return nil
	}
	winners := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p.Alive() && p.Alignment == side {
			winners = append(winners, p)
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].ID < winners[j].ID })
	return winners
}
