// Package rewards turns a finished match into per-participant settlements:
// reward shares for the living winners and achievement unlocks.
package rewards

import (
	"sort"

	"github.com/thraizz/nightfall-server/internal/match"
	"github.com/thraizz/nightfall-server/internal/repository"
)

// Unlock identifiers
const (
	UnlockFirstWin   = "first_win"
	UnlockVeteran    = "veteran_10"
	UnlockSurvivor   = "survivor"
	UnlockShadowHand = "shadow_hand"
	UnlockHighRoller = "high_roller"
)

const (
	veteranGames   = 10
	highRollerCoin = 5000
)

// rule decides whether a participant earns an unlock after this match.
// snap is the participant's stats before the match.
type rule struct {
	id    string
	check func(p match.Participant, s repository.Settlement, snap repository.StatSnapshot) bool
}

var rules = []rule{
	{
		id: UnlockFirstWin,
		check: func(_ match.Participant, s repository.Settlement, snap repository.StatSnapshot) bool {
			return s.Won && snap.Wins == 0
		},
	},
	{
		id: UnlockVeteran,
		check: func(_ match.Participant, _ repository.Settlement, snap repository.StatSnapshot) bool {
			return snap.GamesPlayed+1 >= veteranGames
		},
	},
	{
		id: UnlockSurvivor,
		check: func(p match.Participant, s repository.Settlement, _ repository.StatSnapshot) bool {
			return s.Won && p.Alive()
		},
	},
	{
		id: UnlockShadowHand,
		check: func(p match.Participant, s repository.Settlement, _ repository.StatSnapshot) bool {
			return s.Won && p.Alignment == match.AlignmentMinority
		},
	},
	{
		id: UnlockHighRoller,
		check: func(_ match.Participant, s repository.Settlement, snap repository.StatSnapshot) bool {
			return snap.Coins+int64(s.Reward) >= highRollerCoin
		},
	},
}

// Settle computes settlements for every participant of a decided match.
// Void outcomes settle nothing. The pool is split equally among living winners;
// the integer remainder is not distributed.
func Settle(participants []match.Participant, outcome match.Outcome, pool int, snapshots map[string]repository.StatSnapshot) []repository.Settlement {
	side, ok := outcome.WinningSide()
	if !ok {
		return nil
	}

	winners := match.Winners(participants, outcome)
	share := match.SplitReward(pool, len(winners))

	ordered := append([]match.Participant(nil), participants...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	settlements := make([]repository.Settlement, 0, len(ordered))
	for _, p := range ordered {
		s := repository.Settlement{
			ParticipantID: p.ID,
			Won:           p.Alignment == side,
			Lost:          p.Alignment != side,
			Survived:      p.Alive(),
		}
		if s.Won && p.Alive() {
			s.Reward = share
		}
		s.Unlocks = evaluate(p, s, snapshots[p.ID])
		settlements = append(settlements, s)
	}
	return settlements
}

// evaluate returns the unlocks newly earned by p, skipping ones already held
func evaluate(p match.Participant, s repository.Settlement, snap repository.StatSnapshot) []string {
	held := make(map[string]bool, len(snap.Unlocks))
	for _, u := range snap.Unlocks {
		held[u] = true
	}

	var unlocks []string
	for _, r := range rules {
		if held[r.id] {
			continue
		}
		if r.check(p, s, snap) {
			unlocks = append(unlocks, r.id)
		}
	}
	return unlocks
}

// Distributed sums the rewards handed out by settlements
func Distributed(settlements []repository.Settlement) int {
	total := 0
	for _, s := range settlements {
		total += s.Reward
	}
	return total
}
