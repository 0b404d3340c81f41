package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StatSnapshot is a participant's lifetime statistics before a settlement
type StatSnapshot struct {
	ParticipantID string
	GamesPlayed   int
	Wins          int
	Losses        int
	Survivals     int
	Coins         int64
	Unlocks       []string
}

// Settlement is the per-participant result of a finished match
type Settlement struct {
	ParticipantID string
	Won           bool
	Lost          bool
	Survived      bool
	Reward        int
	Unlocks       []string
}

// StatsRepository reads and updates participant statistics
type StatsRepository struct {
	db *DB
}

// NewStatsRepository creates a stats repository
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// ReadStatSnapshot returns current stats for ids. Participants without a row get a zero snapshot.
func (r *StatsRepository) ReadStatSnapshot(ctx context.Context, ids []string) (map[string]StatSnapshot, error) {
	snapshots := make(map[string]StatSnapshot, len(ids))
	for _, id := range ids {
		snapshots[id] = StatSnapshot{ParticipantID: id}
	}
	if len(ids) == 0 {
		return snapshots, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT s.participant_id, s.games_played, s.wins, s.losses, s.survivals, s.coins,
		       COALESCE(ARRAY(SELECT u.unlock FROM participant_unlocks u WHERE u.participant_id = s.participant_id ORDER BY u.unlock), '{}')
		FROM participant_stats s
		WHERE s.participant_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stat snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap StatSnapshot
		if err := rows.Scan(&snap.ParticipantID, &snap.GamesPlayed, &snap.Wins, &snap.Losses, &snap.Survivals, &snap.Coins, &snap.Unlocks); err != nil {
			return nil, fmt.Errorf("failed to scan stat snapshot: %w", err)
		}
		snapshots[snap.ParticipantID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stat snapshot: %w", err)
	}

	return snapshots, nil
}

// ApplySettlement records a match's results. It returns applied=false when the
// match was already settled, so a re-run never double-pays.
func (r *StatsRepository) ApplySettlement(ctx context.Context, matchID string, settlements []Settlement) (applied bool, err error) {
	err = pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE matches SET settled_at = NOW()
			WHERE id = $1 AND settled_at IS NULL`,
			matchID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark match %s settled: %w", matchID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		batch := &pgx.Batch{}
		for _, s := range settlements {
			batch.Queue(`
				INSERT INTO participant_stats (participant_id, games_played, wins, losses, survivals, coins, updated_at)
				VALUES ($1, 1, $2, $3, $4, $5, NOW())
				ON CONFLICT (participant_id) DO UPDATE SET
					games_played = participant_stats.games_played + 1,
					wins = participant_stats.wins + EXCLUDED.wins,
					losses = participant_stats.losses + EXCLUDED.losses,
					survivals = participant_stats.survivals + EXCLUDED.survivals,
					coins = participant_stats.coins + EXCLUDED.coins,
					updated_at = NOW()`,
				s.ParticipantID, boolToInt(s.Won), boolToInt(s.Lost), boolToInt(s.Survived), s.Reward,
			)
			for _, unlock := range s.Unlocks {
				batch.Queue(`
					INSERT INTO participant_unlocks (participant_id, unlock, match_id)
					VALUES ($1, $2, $3)
					ON CONFLICT DO NOTHING`,
					s.ParticipantID, unlock, matchID,
				)
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to apply settlement for match %s: %w", matchID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
