package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thraizz/nightfall-server/internal/match"
)

// QueueAdd enqueues participant with score = enqueue time. added=false when already queued.
func (s *Store) QueueAdd(ctx context.Context, participantID string, at time.Time) (bool, error) {
	n, err := s.client.ZAddNX(ctx, queueKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: participantID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s: %w", participantID, err)
	}
	return n == 1, nil
}

// QueuePosition returns the 1-based queue position, or 0 when not queued
func (s *Store) QueuePosition(ctx context.Context, participantID string) (int, error) {
	rank, err := s.client.ZRank(ctx, queueKey(), participantID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read queue position of %s: %w", participantID, err)
	}
	return int(rank) + 1, nil
}

// QueueRemove drops participant from the queue
func (s *Store) QueueRemove(ctx context.Context, participantID string) (bool, error) {
	n, err := s.client.ZRem(ctx, queueKey(), participantID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to dequeue %s: %w", participantID, err)
	}
	return n == 1, nil
}

// QueueLen returns the number of waiting participants
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// QueueRange returns up to limit entries, longest-waiting first
func (s *Store) QueueRange(ctx context.Context, limit int) ([]match.QueueEntry, error) {
	zs, err := s.client.ZRangeWithScores(ctx, queueKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return toEntries(zs), nil
}

// QueuePopOldest atomically removes and returns the n longest-waiting entries
func (s *Store) QueuePopOldest(ctx context.Context, n int) ([]match.QueueEntry, error) {
	zs, err := s.client.ZPopMin(ctx, queueKey(), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop %d queue entries: %w", n, err)
	}
	return toEntries(zs), nil
}

// QueueRestore puts entries back with their original enqueue times
func (s *Store) QueueRestore(ctx context.Context, entries []match.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(entries))
	for i, e := range entries {
		zs[i] = redis.Z{Score: float64(e.EnqueuedAt.UnixMilli()), Member: e.ParticipantID}
	}
	if err := s.client.ZAddNX(ctx, queueKey(), zs...).Err(); err != nil {
		return fmt.Errorf("failed to restore %d queue entries: %w", len(entries), err)
	}
	return nil
}

func toEntries(zs []redis.Z) []match.QueueEntry {
	entries := make([]match.QueueEntry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, match.QueueEntry{
			ParticipantID: id,
			EnqueuedAt:    time.UnixMilli(int64(z.Score)),
		})
	}
	return entries
}

// ==================== Active index ====================

// IndexAdd registers a match as active. Adding twice keeps a single entry.
func (s *Store) IndexAdd(ctx context.Context, matchID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, activeIndexKey(), 0, matchID)
		pipe.RPush(ctx, activeIndexKey(), matchID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index match %s: %w", matchID, err)
	}
	return nil
}

// IndexRemove drops a match from the active index
func (s *Store) IndexRemove(ctx context.Context, matchID string) error {
	if err := s.client.LRem(ctx, activeIndexKey(), 0, matchID).Err(); err != nil {
		return fmt.Errorf("failed to unindex match %s: %w", matchID, err)
	}
	return nil
}

// IndexList returns all active match ids
func (s *Store) IndexList(ctx context.Context) ([]string, error) {
	ids, err := s.client.LRange(ctx, activeIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active matches: %w", err)
	}
	return ids, nil
}
