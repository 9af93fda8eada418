package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbit-so/go-orbit/docker"
	"github.com/orbit-so/go-orbit/service/redis"
)

func setupTest(t *testing.T) *assert.Assertions {
	rd := docker.InitRedis("../../docker-compose.yml")

	t.Cleanup(func() {
		if err := rd.Close(); err != nil {
			t.Fatalf("could not purge resource: %s", err)
		}
	})

	return assert.New(t)
}

func newTestQueueCache(t *testing.T) *redis.Cache {
	t.Helper()
	cache := redis.NewCache(redis.MissionQueueCache)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestFifoQueuePushDedupes(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	queue := redis.NewFifoQueue(newTestQueueCache(t), "missions")

	added, err := queue.Push(ctx, "mission1")
	a.NoError(err)
	a.True(added)

	// The same message is already pending, so the push is a no-op.
	added, err = queue.Push(ctx, "mission1")
	a.NoError(err)
	a.False(added)

	pending, err := queue.Pending(ctx)
	a.NoError(err)
	a.Equal(int64(1), pending)
}

func TestFifoQueuePopAndAck(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	queue := redis.NewFifoQueue(newTestQueueCache(t), "missions")

	_, err := queue.Push(ctx, "mission1")
	a.NoError(err)

	msg, err := queue.Pop(ctx)
	a.NoError(err)
	a.Equal("mission1", msg)

	// Popped but unacked messages are no longer pending.
	pending, err := queue.Pending(ctx)
	a.NoError(err)
	a.Zero(pending)

	a.NoError(queue.Ack(ctx, "mission1"))

	_, err = queue.Pop(ctx)
	a.ErrorIs(err, redis.ErrQueueEmpty)
	a.ErrorIs(queue.Ack(ctx, "mission1"), redis.ErrQueueEmpty)
}

func TestFifoQueueAckByMessage(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	cache := newTestQueueCache(t)
	queue := redis.NewFifoQueue(cache, "missions")
	sem := redis.NewSemaphore(cache, "workers", 4, 60)

	_, err := queue.Push(ctx, "mission1")
	a.NoError(err)
	_, err = queue.Push(ctx, "mission2")
	a.NoError(err)

	first, err := queue.Pop(ctx)
	a.NoError(err)
	a.Equal("mission1", first)
	second, err := queue.Pop(ctx)
	a.NoError(err)
	a.Equal("mission2", second)

	// Acking the later message leaves the earlier one in flight.
	a.NoError(queue.Ack(ctx, second))

	time.Sleep(1100 * time.Millisecond)
	a.NoError(queue.Reprocess(ctx, 0, sem))

	pending, err := queue.Pending(ctx)
	a.NoError(err)
	a.Equal(int64(1), pending)

	msg, err := queue.Pop(ctx)
	a.NoError(err)
	a.Equal("mission1", msg)
}

func TestFifoQueueReprocess(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	cache := newTestQueueCache(t)
	queue := redis.NewFifoQueue(cache, "missions")
	sem := redis.NewSemaphore(cache, "workers", 4, 60)

	_, err := queue.Push(ctx, "mission1")
	a.NoError(err)
	_, err = queue.Pop(ctx)
	a.NoError(err)

	// While the consumer holds the worker semaphore its unacked message is
	// considered live and stays in its processing queue.
	held, err := sem.Acquire(ctx)
	a.NoError(err)
	a.True(held)

	a.NoError(queue.Reprocess(ctx, 0, sem))
	pending, err := queue.Pending(ctx)
	a.NoError(err)
	a.Zero(pending)

	// Once the consumer is gone and the message has sat past the timeout, it
	// is handed back to the pending queue.
	_, err = sem.Release(ctx)
	a.NoError(err)

	time.Sleep(1100 * time.Millisecond)
	a.NoError(queue.Reprocess(ctx, 0, sem))

	pending, err = queue.Pending(ctx)
	a.NoError(err)
	a.Equal(int64(1), pending)

	msg, err := queue.Pop(ctx)
	a.NoError(err)
	a.Equal("mission1", msg)
}

func TestSemaphoreLifecycle(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	sem := redis.NewSemaphore(newTestQueueCache(t), "workers", 4, 60)

	held, err := sem.Acquire(ctx)
	a.NoError(err)
	a.True(held)

	held, err = sem.Refresh(ctx)
	a.NoError(err)
	a.True(held)

	released, err := sem.Release(ctx)
	a.NoError(err)
	a.True(released)

	// Refreshing a released semaphore reports the loss.
	held, err = sem.Refresh(ctx)
	a.NoError(err)
	a.False(held)
}
