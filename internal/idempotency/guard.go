// Package idempotency guards side-effecting dispatches by idempotency key.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Outcome is the result of a claim.
type Outcome int

const (
	// Acquired means the caller owns the key and must Complete or Release it.
	Acquired Outcome = iota
	// Duplicate means the key was already completed.
	Duplicate
	// InFlight means another caller holds an unexpired claim.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Duplicate:
		return "duplicate"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Guard records idempotency keys of dispatched side effects.
type Guard interface {
	Claim(ctx context.Context, key string) (Outcome, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

const (
	statePending = "pending"
	stateDone    = "done"
)

// Config holds guard expirations.
type Config struct {
	// ClaimTTL bounds how long a crashed claimer blocks a key.
	ClaimTTL time.Duration
	// DoneTTL is how long completed keys are remembered.
	DoneTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = time.Minute
	}
	if c.DoneTTL <= 0 {
		c.DoneTTL = 24 * time.Hour
	}
	return c
}

type memoryEntry struct {
	state   string
	expires time.Time
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	return &MemoryGuard{cfg: cfg.withDefaults(), entries: make(map[string]memoryEntry), now: time.Now}
}

// Claim takes the key unless it is completed or claimed.
func (g *MemoryGuard) Claim(ctx context.Context, key string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[key]; ok && now.Before(e.expires) {
		if e.state == stateDone {
			return Duplicate, nil
		}
		return InFlight, nil
	}
	g.entries[key] = memoryEntry{state: statePending, expires: now.Add(g.cfg.ClaimTTL)}
	return Acquired, nil
}

// Complete marks the key as done.
func (g *MemoryGuard) Complete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = memoryEntry{state: stateDone, expires: g.now().Add(g.cfg.DoneTTL)}
	return nil
}

// Release drops a pending claim so the key can be retried.
func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key]; ok && e.state == statePending {
		delete(g.entries, key)
	}
	return nil
}

const redisPrefix = "orchestrator:idem:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard is a Guard shared across replicas.
type RedisGuard struct {
	rdb *redis.Client
	cfg Config
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(rdb *redis.Client, cfg Config) *RedisGuard {
	return &RedisGuard{rdb: rdb, cfg: cfg.withDefaults()}
}

// Claim takes the key with SET NX unless it is completed or claimed.
func (g *RedisGuard) Claim(ctx context.Context, key string) (Outcome, error) {
	k := redisPrefix + key
	ok, err := g.rdb.SetNX(ctx, k, statePending, g.cfg.ClaimTTL).Result()
	if err != nil {
		return InFlight, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if ok {
		return Acquired, nil
	}

	state, err := g.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return g.Claim(ctx, key)
	}
	if err != nil {
		return InFlight, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if state == stateDone {
		return Duplicate, nil
	}
	return InFlight, nil
}

// Complete marks the key as done.
func (g *RedisGuard) Complete(ctx context.Context, key string) error {
	if err := g.rdb.Set(ctx, redisPrefix+key, stateDone, g.cfg.DoneTTL).Err(); err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	return nil
}

// Release drops a pending claim so the key can be retried.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{redisPrefix + key}, statePending).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
