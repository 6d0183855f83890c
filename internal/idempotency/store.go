package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key reused with different parameters")
)

const redisKeyPrefix = "ledger:idempotency"

// Record is a cached, already-committed ledger result.
type Record struct {
	Key         string
	RequestHash string
	Result      []byte
}

// Store is a read-through cache of committed ledger results keyed by idempotency key.
// The database stays authoritative; the cache only short-circuits replays.
type Store struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewStore(redis redis.Cmdable, ttl time.Duration) *Store {
	return &Store{redis: redis, ttl: ttl}
}

type cacheEnvelope struct {
	Key    string          `json:"key"`
	Hash   string          `json:"hash"`
	Result json.RawMessage `json:"result"`
}

// Lookup returns the cached record for key. ErrHashMismatch is returned alongside the
// record when the caller's fingerprint differs from the one stored with it.
func (s *Store) Lookup(ctx context.Context, key, requestHash string) (*Record, error) {
	if s == nil || s.redis == nil {
		return nil, ErrNotFound
	}
	val, err := s.redis.Get(ctx, redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis idempotency lookup: %w", err)
	}

	var env cacheEnvelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	rec := &Record{Key: env.Key, RequestHash: env.Hash, Result: env.Result}
	if env.Hash != requestHash {
		return rec, ErrHashMismatch
	}
	return rec, nil
}

// Save caches a committed result. Failures are logged and otherwise ignored.
func (s *Store) Save(ctx context.Context, key, requestHash string, result []byte) {
	if s == nil || s.redis == nil {
		return
	}
	payload, err := json.Marshal(cacheEnvelope{Key: key, Hash: requestHash, Result: result})
	if err != nil {
		zap.L().Warn("marshal idempotency cache", zap.Error(err))
		return
	}
	if err := s.redis.Set(ctx, redisKey(key), payload, s.ttl).Err(); err != nil {
		zap.L().Warn("redis idempotency cache set failed", zap.Error(err), zap.String("idempotency_key", key))
	}
}

// Fingerprint hashes the parameters that must match for a replay to be the same request.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, key)
}
