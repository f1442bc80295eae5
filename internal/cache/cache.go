// Package cache implements an optional query-answer cache in front of the
// Hybrid Engine, keyed on the question and the mode actually used to
// answer it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Entry is the cached shape of one answered query: enough to reconstruct
// a Response without re-running retrieval or synthesis.
type Entry struct {
	Answer     string
	Confidence float64
}

// Cache wraps a Redis client. A nil *Cache is valid and behaves as
// disabled, so callers can construct one unconditionally from config and
// skip the connection when no address is configured.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to addr, or returns nil (disabled) if addr is empty.
func New(addr string, ttlSec int) *Cache {
	if addr == "" {
		return nil
	}
	ttl := time.Duration(ttlSec) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

// Key derives the cache key for a (mode, question) pair. Hashing the
// question keeps keys a fixed, short size regardless of input length.
func Key(mode, question string) string {
	sum := sha256.Sum256([]byte(mode + "|" + question))
	return "hybridrag:answer:" + hex.EncodeToString(sum[:])
}

// Get returns a cached entry and true if present. A disabled or
// unreachable cache is treated as a miss, never an error.
func (c *Cache) Get(ctx context.Context, mode, question string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	val, err := c.rdb.Get(ctx, Key(mode, question)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("cache: get failed, treating as miss")
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		log.Debug().Err(err).Msg("cache: stored entry unreadable, treating as miss")
		return Entry{}, false
	}
	return entry, true
}

// Set stores entry under the (mode, question) key with the configured
// TTL. Failures are logged, not propagated: the cache is an optimization.
func (c *Cache) Set(ctx context.Context, mode, question string, entry Entry) {
	if c == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Debug().Err(err).Msg("cache: marshal entry failed")
		return
	}
	if err := c.rdb.Set(ctx, Key(mode, question), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("cache: set failed")
	}
}

// Available reports whether the cache is configured and currently
// reachable, for the system status surface.
func (c *Cache) Available(ctx context.Context) bool {
	if c == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
