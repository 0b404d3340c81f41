package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap"
)

const keyPrefix = "nightfall"

// AssemblyLockKey is the fixed key guarding match assembly
const AssemblyLockKey = keyPrefix + ":lock:assemble"

var (
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	// -1 once the round's ballots are closed
	recordBallot = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return -1
end
local added = redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
if added == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return added`)
)

// Store is the shared fast state backed by Redis
type Store struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewStore wraps a Redis client
func NewStore(client redis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

func matchKey(id string) string      { return keyPrefix + ":match:" + id }
func ownerKey(id string) string      { return matchKey(id) + ":owner" }
func pendingKey(id string) string    { return matchKey(id) + ":pending" }
func seqKey(id string) string        { return matchKey(id) + ":seq" }
func membershipKey(id string) string { return keyPrefix + ":participant:" + id + ":match" }
func queueKey() string               { return keyPrefix + ":queue" }
func activeIndexKey() string         { return keyPrefix + ":matches:active" }
func createdCounterKey() string      { return keyPrefix + ":stats:matches_created" }
func targetKey(id string, round int) string {
	return matchKey(id) + ":target:" + strconv.Itoa(round)
}
func ballotsKey(id string, round int) string {
	return matchKey(id) + ":ballots:" + strconv.Itoa(round)
}
func ballotsClosedKey(id string, round int) string {
	return ballotsKey(id, round) + ":closed"
}

// ==================== Match cache ====================

// SaveMatch caches the match snapshot with the given TTL
func (s *Store) SaveMatch(ctx context.Context, m *match.Match, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode match %s: %w", m.ID, err)
	}
	if err := s.client.Set(ctx, matchKey(m.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache match %s: %w", m.ID, err)
	}
	return nil
}

// LoadMatch returns the cached match. A missing entry is reported as ok=false, not an error.
func (s *Store) LoadMatch(ctx context.Context, id string) (*match.Match, bool, error) {
	data, err := s.client.Get(ctx, matchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load match %s: %w", id, err)
	}

	var m match.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("failed to decode match %s: %w", id, err)
	}
	return &m, true, nil
}

// ExpireMatch shortens the retention of a finished match and its per-match keys
func (s *Store) ExpireMatch(ctx context.Context, id string, retention time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, matchKey(id), retention)
		pipe.Expire(ctx, seqKey(id), retention)
		pipe.Del(ctx, pendingKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to expire match %s: %w", id, err)
	}
	return nil
}

// NextSequence increments the per-match event sequence
func (s *Store) NextSequence(ctx context.Context, id string) (int64, error) {
	seq, err := s.client.Incr(ctx, seqKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence for %s: %w", id, err)
	}
	return seq, nil
}

// CountCreated increments the global created-matches counter
func (s *Store) CountCreated(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, createdCounterKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment created counter: %w", err)
	}
	return n, nil
}

// ==================== Locks and claims ====================

// AcquireLock sets key to a fresh token if absent. ok=false means another holder owns it.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes key only if it still holds token
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}

// ClaimOwner records owner as the single writer of a match if nobody holds the claim
func (s *Store) ClaimOwner(ctx context.Context, matchID, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, ownerKey(matchID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim match %s: %w", matchID, err)
	}
	if ok {
		return true, nil
	}

	// Re-claiming our own lease is a refresh.
	return s.RefreshOwner(ctx, matchID, owner, ttl)
}

// RefreshOwner extends the claim if owner still holds it
func (s *Store) RefreshOwner(ctx context.Context, matchID, owner string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, s.client, []string{ownerKey(matchID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh claim on %s: %w", matchID, err)
	}
	return n == 1, nil
}

// Owner returns the current claim holder, or "" when unclaimed
func (s *Store) Owner(ctx context.Context, matchID string) (string, error) {
	owner, err := s.client.Get(ctx, ownerKey(matchID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read claim on %s: %w", matchID, err)
	}
	return owner, nil
}

// ReleaseOwner drops the claim if owner holds it
func (s *Store) ReleaseOwner(ctx context.Context, matchID, owner string) error {
	if _, err := s.ReleaseLock(ctx, ownerKey(matchID), owner); err != nil {
		return err
	}
	return nil
}

// ==================== Actions ====================

type targetRecord struct {
	Actor  string `json:"actor"`
	Target string `json:"target"`
}

// ClaimTarget records the round's elimination target. Only the first submission wins.
func (s *Store) ClaimTarget(ctx context.Context, matchID string, round int, actor, target string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(targetRecord{Actor: actor, Target: target})
	if err != nil {
		return false, fmt.Errorf("failed to encode target: %w", err)
	}
	ok, err := s.client.SetNX(ctx, targetKey(matchID, round), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record target for %s round %d: %w", matchID, round, err)
	}
	return ok, nil
}

// Target returns the round's recorded elimination target, if any
func (s *Store) Target(ctx context.Context, matchID string, round int) (actor, target string, ok bool, err error) {
	data, err := s.client.Get(ctx, targetKey(matchID, round)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read target for %s round %d: %w", matchID, round, err)
	}
	var rec targetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", "", false, fmt.Errorf("failed to decode target for %s round %d: %w", matchID, round, err)
	}
	return rec.Actor, rec.Target, true, nil
}

// RecordBallot stores actor's ballot for the round. A second ballot from the
// same actor is refused, and once the round is closed every ballot fails with
// match.ErrBallotsClosed.
func (s *Store) RecordBallot(ctx context.Context, matchID string, round int, actor, target string, ttl time.Duration) (bool, error) {
	keys := []string{ballotsKey(matchID, round), ballotsClosedKey(matchID, round)}
	n, err := recordBallot.Run(ctx, s.client, keys, actor, target, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to record ballot for %s round %d: %w", matchID, round, err)
	}
	if n < 0 {
		return false, fmt.Errorf("round %d of %s: %w", round, matchID, match.ErrBallotsClosed)
	}
	return n == 1, nil
}

// CloseBallots refuses every later ballot of the round
func (s *Store) CloseBallots(ctx context.Context, matchID string, round int, ttl time.Duration) error {
	if err := s.client.Set(ctx, ballotsClosedKey(matchID, round), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to close ballots for %s round %d: %w", matchID, round, err)
	}
	return nil
}

// Ballots returns actor -> target for the round
func (s *Store) Ballots(ctx context.Context, matchID string, round int) (map[string]string, error) {
	ballots, err := s.client.HGetAll(ctx, ballotsKey(matchID, round)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ballots for %s round %d: %w", matchID, round, err)
	}
	return ballots, nil
}

// SetPendingOutcome stashes the vote result until reveal
func (s *Store) SetPendingOutcome(ctx context.Context, matchID string, outcome match.PendingOutcome, ttl time.Duration) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode pending outcome: %w", err)
	}
	if err := s.client.Set(ctx, pendingKey(matchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending outcome for %s: %w", matchID, err)
	}
	return nil
}

// PendingOutcome returns the stashed vote result, if any
func (s *Store) PendingOutcome(ctx context.Context, matchID string) (*match.PendingOutcome, error) {
	data, err := s.client.Get(ctx, pendingKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending outcome for %s: %w", matchID, err)
	}
	var outcome match.PendingOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode pending outcome for %s: %w", matchID, err)
	}
	return &outcome, nil
}

// ClearPendingOutcome removes the stashed vote result
func (s *Store) ClearPendingOutcome(ctx context.Context, matchID string) error {
	if err := s.client.Del(ctx, pendingKey(matchID)).Err(); err != nil {
		return fmt.Errorf("failed to clear pending outcome for %s: %w", matchID, err)
	}
	return nil
}

// ==================== Membership ====================

// SetMembership records that participant belongs to an active match
func (s *Store) SetMembership(ctx context.Context, participantID, matchID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, membershipKey(participantID), matchID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to record membership of %s: %w", participantID, err)
	}
	return nil
}

// ClaimMembership records the membership only when the participant has none.
// Assembly claims with a short ttl and SetMembership extends it once the match is live.
func (s *Store) ClaimMembership(ctx context.Context, participantID, matchID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, membershipKey(participantID), matchID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim membership of %s: %w", participantID, err)
	}
	return ok, nil
}

// Membership returns the active match a participant belongs to, or ""
func (s *Store) Membership(ctx context.Context, participantID string) (string, error) {
	matchID, err := s.client.Get(ctx, membershipKey(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read membership of %s: %w", participantID, err)
	}
	return matchID, nil
}

// ClearMembership removes the membership only if it still points at matchID
func (s *Store) ClearMembership(ctx context.Context, participantID, matchID string) error {
	if _, err := compareAndDelete.Run(ctx, s.client, []string{membershipKey(participantID)}, matchID).Result(); err != nil {
		return fmt.Errorf("failed to clear membership of %s: %w", participantID, err)
	}
	return nil
}
