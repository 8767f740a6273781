package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// poolKey is the Redis hash holding the account pool, one JSON value per
	// account id.
	poolKey = "pools:kiro-oauth"
)

// ErrRedisUnavailable is returned when Redis is temporarily unavailable and
// no cached snapshot exists.
var ErrRedisUnavailable = errors.New("redis temporarily unavailable")

// RedisStore persists the account pool in a Redis hash with optimistic
// locking on updates. A small in-memory snapshot keeps reads working through
// short Redis outages.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	logger    *slog.Logger

	cacheMu      sync.RWMutex
	accountCache map[string]Account
	cacheUpdated time.Time
}

// RedisStoreOptions configures the Redis-backed account store.
type RedisStoreOptions struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewRedisStore creates and connects a Redis-backed account store.
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	redisOpts.PoolSize = opts.PoolSize
	redisOpts.MinIdleConns = opts.PoolSize / 5
	redisOpts.PoolTimeout = opts.Timeout
	redisOpts.ReadTimeout = opts.Timeout
	redisOpts.WriteTimeout = opts.Timeout

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisStore{
		rdb:          rdb,
		keyPrefix:    opts.KeyPrefix,
		logger:       logger,
		accountCache: make(map[string]Account),
	}, nil
}

func (s *RedisStore) key() string {
	return s.keyPrefix + poolKey
}

// List returns a snapshot of all accounts, falling back to the in-memory
// cache when Redis is unreachable.
func (s *RedisStore) List(ctx context.Context) ([]Account, error) {
	data, err := s.rdb.HGetAll(ctx, s.key()).Result()
	if err != nil {
		s.cacheMu.RLock()
		defer s.cacheMu.RUnlock()
		if len(s.accountCache) > 0 {
			s.logger.Warn("using cached accounts due to Redis error",
				"error", err,
				"cache_age", time.Since(s.cacheUpdated).String(),
			)
			accounts := make([]Account, 0, len(s.accountCache))
			for _, acc := range s.accountCache {
				accounts = append(accounts, acc)
			}
			return accounts, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	accounts := make([]Account, 0, len(data))
	accountMap := make(map[string]Account, len(data))

	for id, jsonStr := range data {
		var acc Account
		if err := json.Unmarshal([]byte(jsonStr), &acc); err != nil {
			s.logger.Warn("failed to parse account", "id", id, "error", err)
			continue
		}
		accounts = append(accounts, acc)
		accountMap[id] = acc
	}

	s.cacheMu.Lock()
	s.accountCache = accountMap
	s.cacheUpdated = time.Now()
	s.cacheMu.Unlock()

	return accounts, nil
}

// Get returns a single account by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Account, error) {
	data, err := s.rdb.HGet(ctx, s.key(), id).Result()
	if err == redis.Nil {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		s.cacheMu.RLock()
		acc, ok := s.accountCache[id]
		s.cacheMu.RUnlock()
		if ok {
			return &acc, nil
		}
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}

	var acc Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return nil, fmt.Errorf("failed to parse account %s: %w", id, err)
	}
	return &acc, nil
}

// Put inserts or replaces an account.
func (s *RedisStore) Put(ctx context.Context, acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key(), acc.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store account %s: %w", acc.ID, err)
	}

	s.cacheMu.Lock()
	s.accountCache[acc.ID] = *acc
	s.cacheMu.Unlock()
	return nil
}

// Delete removes an account from the pool.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.key(), id).Err(); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	s.cacheMu.Lock()
	delete(s.accountCache, id)
	s.cacheMu.Unlock()
	return nil
}

// updateAttempts bounds the optimistic-concurrency retry loop. Account
// mutations are light per-request bookkeeping (usage counters, cooldown
// state) plus the occasional credential rewrite after a refresh, so genuine
// conflicts are brief; a handful of re-reads resolves them.
const updateAttempts = 5

// Update applies fn to the stored account read-modify-write. The whole
// record - credentials included - is serialized as one hash field, so the
// transaction watches the pool hash and re-runs fn against a fresh read
// whenever a concurrent writer lands first. Each retry waits a beat longer
// than the last so colliding writers interleave instead of re-colliding.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Account)) error {
	apply := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, s.key(), id).Result()
		if err == redis.Nil {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		var acc Account
		if err := json.Unmarshal([]byte(data), &acc); err != nil {
			return fmt.Errorf("corrupt account record %s: %w", id, err)
		}

		fn(&acc)

		updated, err := json.Marshal(&acc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key(), id, string(updated))
			return nil
		})
		if err == nil {
			s.cacheMu.Lock()
			s.accountCache[id] = acc
			s.cacheMu.Unlock()
		}
		return err
	}

	for attempt := 1; ; attempt++ {
		err := s.rdb.Watch(ctx, apply, s.key())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if attempt >= updateAttempts {
				return fmt.Errorf("account %s kept changing under update: %w", id, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Millisecond):
			}
		default:
			return fmt.Errorf("failed to update account %s: %w", id, err)
		}
	}
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
