package limiters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benny-conn/limiters"
	"github.com/bsm/redislock"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/redis"
)

// KeyRateLimiter limits how often an operation may run for a given key. Buckets are
// shared across processes via the backing cache.
type KeyRateLimiter struct {
	name         string
	rateDuration time.Duration
	rateAmount   int64
	reg          *limiters.Registry
	cache        *redis.Cache
	clock        *limiters.SystemClock
	logger       *limiters.StdLogger
	lock         *globalLock
}

// NewKeyRateLimiter creates a limiter that allows `amount` operations per `every` window
// for each distinct key. The name namespaces the limiter's keys within the cache.
func NewKeyRateLimiter(ctx context.Context, cache *redis.Cache, name string, amount int64, every time.Duration) *KeyRateLimiter {
	i := &KeyRateLimiter{
		name:         name,
		rateDuration: every,
		rateAmount:   amount,
		reg:          limiters.NewRegistry(),
		clock:        limiters.NewSystemClock(),
		logger:       limiters.NewStdLogger(),
		cache:        cache,
		lock:         newGlobalLock(redis.NewLockClient(cache), fmt.Sprintf("%s:lock", name), every*time.Duration(amount)),
	}

	return i
}

// Name returns the namespace this limiter was created with.
func (i *KeyRateLimiter) Name() string {
	return i.name
}

// ForKey checks whether the key has budget left in the current window. When the limit is
// exhausted it returns false and how long to wait before retrying.
func (i *KeyRateLimiter) ForKey(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := i.reg.GetOrCreate(key, func() interface{} {
		return limiters.NewTokenBucket(
			i.rateAmount,
			i.rateDuration,
			i.lock,
			limiters.NewTokenBucketRedis(i.cache.Client(), fmt.Sprintf("limiter:%s:%s", i.name, key), i.rateDuration, false),
			i.clock,
			i.logger,
		)
	}, i.rateDuration, i.clock.Now())

	w, err := bucket.(*limiters.TokenBucket).Limit(ctx)
	if err == limiters.ErrLimitExhausted {
		return false, w, nil
	} else if err != nil {
		// The limiter failed. This error should be logged and examined.
		logger.For(ctx).Errorf("rate limiter %s failed: %s", i.name, err)
		return false, 0, fmt.Errorf("rate limiting err: %s", err)
	}

	return true, 0, nil
}

// globalLock adapts redislock to the limiters.DistLocker interface so that bucket
// refills are serialized across processes.
type globalLock struct {
	client *redislock.Client
	key    string
	ttl    time.Duration

	mu   sync.Mutex
	held *redislock.Lock
}

func newGlobalLock(client *redislock.Client, key string, ttl time.Duration) *globalLock {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &globalLock{client: client, key: key, ttl: ttl}
}

func (g *globalLock) Lock(ctx context.Context) error {
	lock, err := g.client.Obtain(ctx, g.key, g.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.held = lock
	g.mu.Unlock()
	return nil
}

func (g *globalLock) Unlock(ctx context.Context) error {
	g.mu.Lock()
	lock := g.held
	g.held = nil
	g.mu.Unlock()

	if lock == nil {
		return nil
	}
	return lock.Release(ctx)
}
