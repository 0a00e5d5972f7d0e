package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

const keyPrefix = "orchestrator:lock:"

// Token-checked release and renewal so a holder never touches another holder's lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock is a lease-based Locker shared by every orchestrator replica.
// The lease is renewed while held and expires on its own if the holder dies.
type RedisLock struct {
	rdb  *redis.Client
	ttl  time.Duration
	poll time.Duration
	log  *logger.Logger
}

// NewRedisLock creates a Redis lease lock.
func NewRedisLock(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLock{rdb: rdb, ttl: ttl, poll: 50 * time.Millisecond, log: log.Named("lock")}
}

// Lock blocks until the lease on key is held or ctx is done. The held context
// is cancelled with ErrLeaseLost once the lease is taken over or cannot be
// renewed before it expires.
func (l *RedisLock) Lock(ctx context.Context, key string) (context.Context, Unlock, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	wait := l.poll
	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, nil, ErrNotAcquired
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	held, release := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	renew := func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, l.rdb, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		return n == 1, err
	}
	go l.watch(redisKey, renew, stop, func() { release(ErrLeaseLost) })

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			release(nil)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				l.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

// watch renews the lease every ttl/3 until stop is closed. lost is called once
// the lease belongs to someone else, or when renewals kept failing for a full
// ttl so the lease must be assumed expired.
func (l *RedisLock) watch(redisKey string, renew func(context.Context) (bool, error), stop <-chan struct{}, lost func()) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := renew(ctx)
			cancel()
			if err != nil {
				if time.Since(renewed) < l.ttl {
					l.log.Warn("failed to renew lock", zap.String("key", redisKey), zap.Error(err))
					continue
				}
				l.log.Error("lock lease expired while renewals failed", zap.String("key", redisKey), zap.Error(err))
				lost()
				return
			}
			if !ok {
				l.log.Error("lock lease lost", zap.String("key", redisKey))
				lost()
				return
			}
			renewed = time.Now()
		}
	}
}
