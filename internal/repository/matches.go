package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/thraizz/nightfall-server/internal/match"
)

// MatchRepository persists matches, participant rows and the audit log
type MatchRepository struct {
	db *DB
}

// NewMatchRepository creates a match repository
func NewMatchRepository(db *DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// CreateMatch inserts the match and its participants in one transaction
func (r *MatchRepository) CreateMatch(ctx context.Context, m *match.Match) error {
	return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO matches (id, status, round, phase, winner, reward_pool, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NOW())`,
			m.ID, string(m.Status), m.Round, string(m.Phase), string(m.Winner), m.RewardPool, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert match %s: %w", m.ID, err)
		}

		batch := &pgx.Batch{}
		for _, p := range m.Participants {
			batch.Queue(`
				INSERT INTO match_participants (match_id, participant_id, alignment, status)
				VALUES ($1, $2, $3, $4)`,
				m.ID, p.ID, string(p.Alignment), string(p.Status),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert participants for match %s: %w", m.ID, err)
		}
		return nil
	})
}

// UpsertMatch writes the mutable match columns
func (r *MatchRepository) UpsertMatch(ctx context.Context, id string, status match.Status, round int, phase match.Phase, winner match.Outcome) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO matches (id, status, round, phase, winner, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			round = EXCLUDED.round,
			phase = EXCLUDED.phase,
			winner = EXCLUDED.winner,
			updated_at = NOW()`,
		id, string(status), round, string(phase), string(winner),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert match %s: %w", id, err)
	}
	return nil
}

// InsertAuditEvent appends to the match audit log
func (r *MatchRepository) InsertAuditEvent(ctx context.Context, matchID string, round int, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO match_events (match_id, round, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		matchID, round, eventType, data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s for match %s: %w", eventType, matchID, err)
	}
	return nil
}

// AuditLog returns the audit events of a match, oldest first
func (r *MatchRepository) AuditLog(ctx context.Context, matchID string) ([]AuditEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT match_id, round, event_type, payload, created_at
		FROM match_events WHERE match_id = $1
		ORDER BY id`,
		matchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log of %s: %w", matchID, err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[AuditEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log of %s: %w", matchID, err)
	}
	return events, nil
}

// UpsertParticipantStatus writes a participant's status within a match
func (r *MatchRepository) UpsertParticipantStatus(ctx context.Context, matchID, participantID string, status match.ParticipantStatus) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE match_participants
		SET status = $3, updated_at = NOW()
		WHERE match_id = $1 AND participant_id = $2`,
		matchID, participantID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update participant %s in match %s: %w", participantID, matchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s not found in match %s", participantID, matchID)
	}
	return nil
}

// LoadMatch reads a match and its participants. Phase deadlines are not durable
// and come back zero.
func (r *MatchRepository) LoadMatch(ctx context.Context, id string) (*match.Match, bool, error) {
	m := &match.Match{ID: id}
	var winner *string
	var updatedAt time.Time
	err := r.db.pool.QueryRow(ctx, `
		SELECT status, round, phase, winner, reward_pool, created_at, updated_at
		FROM matches WHERE id = $1`,
		id,
	).Scan(&m.Status, &m.Round, &m.Phase, &winner, &m.RewardPool, &m.CreatedAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load match %s: %w", id, err)
	}
	if winner != nil {
		m.Winner = match.Outcome(*winner)
	}
	if m.Status.Terminal() {
		m.EndedAt = &updatedAt
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT participant_id, alignment, status
		FROM match_participants WHERE match_id = $1
		ORDER BY participant_id`,
		id,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load participants of %s: %w", id, err)
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (match.Participant, error) {
		var p match.Participant
		err := row.Scan(&p.ID, &p.Alignment, &p.Status)
		return p, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan participants of %s: %w", id, err)
	}
	m.Participants = participants
	return m, true, nil
}
