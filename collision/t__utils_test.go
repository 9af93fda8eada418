package collision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbit-so/go-orbit/docker"
	"github.com/orbit-so/go-orbit/service/redis"
	"github.com/orbit-so/go-orbit/service/throttle"
)

func setupTest(t *testing.T) *assert.Assertions {
	rd := docker.InitRedis("../docker-compose.yml")

	t.Cleanup(func() {
		if err := rd.Close(); err != nil {
			t.Fatalf("could not purge resource: %s", err)
		}
	})

	return assert.New(t)
}

// newTestStateStore wires a StateStore over the running redis container using
// the same cache layout the server uses.
func newTestStateStore(t *testing.T, staleWindow time.Duration) *StateStore {
	t.Helper()

	pairCache := redis.NewCache(redis.CollisionPairCache)
	stabilityCache := redis.NewCache(redis.StabilityQueueCache)
	cooldownCache := redis.NewCache(redis.CooldownCache)
	inFlightCache := redis.NewCache(redis.InFlightLockCache)

	t.Cleanup(func() {
		pairCache.Close()
		stabilityCache.Close()
		cooldownCache.Close()
		inFlightCache.Close()
	})

	return NewStateStore(pairCache, stabilityCache, cooldownCache,
		throttle.NewThrottleLocker(inFlightCache, time.Minute),
		StateStoreConfig{
			StaleWindow: staleWindow,
			CooldownTTLs: map[CooldownKind]time.Duration{
				CooldownMatched:  time.Hour,
				CooldownRejected: time.Hour,
				CooldownNotified: time.Minute,
			},
		})
}
