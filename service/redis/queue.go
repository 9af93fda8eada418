package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrQueueEmpty is returned by Pop and Ack when there is nothing to dequeue.
var ErrQueueEmpty = errors.New("queue is empty")

// FifoQueue implements a reliable unique FIFO queue.
// When a message is popped from the pending queue it gets added to the processing queue which
// is unique to that consumer. When the consumer is done with the message, it is responsible
// for removing the message from its processing queue by calling `Ack`.
type FifoQueue struct {
	cache      *Cache
	pending    string
	processing string
	id         string
	name       string
	pgSize     int
}

// NewFifoQueue returns a new connection to a queue.
func NewFifoQueue(cache *Cache, name string) *FifoQueue {
	id := newConsumerID()
	return &FifoQueue{
		cache:      cache,
		pending:    fmt.Sprintf("%s:%s", name, "pending"),
		processing: fmt.Sprintf("%s:%s:%s", name, "processing", id),
		id:         id,
		name:       name,
		pgSize:     100,
	}
}

// ConsumerID identifies this connection's processing queue.
func (q *FifoQueue) ConsumerID() string {
	return q.id
}

// Push adds an item to the end of the queue. Returns false if an identical
// item is already pending.
func (q *FifoQueue) Push(ctx context.Context, value interface{}) (bool, error) {
	added, err := q.cache.client.ZAddNX(ctx, q.cache.getPrefixedKey(q.pending), &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: value,
	}).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// popMessage atomically receives a message from the pending queue and adds it to the consumer's processing queue.
var popMessage *redis.Script = redis.NewScript(`
	local item = redis.call("ZPOPMIN", KEYS[1])
	local message = item[1]
	if message == nil then
		return nil
	end
	redis.call("ZADD", KEYS[2], ARGV[1], message)
	return item[1]
`)

// Pop removes the earliest item from the pending queue and adds it to the consumer's processing queue.
func (q *FifoQueue) Pop(ctx context.Context) (string, error) {
	item, err := popMessage.Run(ctx, q.cache.scripter, []string{q.pending, q.processing}, time.Now().Unix()).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrQueueEmpty
		}
		return "", err
	}
	return item.(string), nil
}

// Ack removes the given message from the consumer's processing queue. Acking
// by member keeps concurrent consumers from settling each other's jobs.
func (q *FifoQueue) Ack(ctx context.Context, message string) error {
	removed, err := q.cache.client.ZRem(ctx, q.cache.getPrefixedKey(q.processing), message).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrQueueEmpty
	}
	return nil
}

// Pending returns the number of items waiting to be popped.
func (q *FifoQueue) Pending(ctx context.Context) (int64, error) {
	return q.cache.client.ZCard(ctx, q.cache.getPrefixedKey(q.pending)).Result()
}

// getProcessing returns keys that are being processed.
func (q *FifoQueue) getProcessing(ctx context.Context) []string {
	pattern := q.cache.getPrefixedKey(fmt.Sprintf("%s:%s:*", q.name, "processing"))
	processing := make([]string, 0, 100)
	iterator := q.cache.client.Scan(ctx, 0, pattern, int64(q.pgSize)).Iterator()
	for iterator.Next(ctx) {
		processing = append(processing, iterator.Val())
	}
	return processing
}

// Reprocess moves inactive jobs back to the pending queue for reprocessing. A job is
// inactive when its consumer no longer holds the worker semaphore and the job has sat
// in the consumer's processing queue beyond the timeout.
func (q *FifoQueue) Reprocess(ctx context.Context, timeout time.Duration, sem *Semaphore) error {
	processing := q.getProcessing(ctx)
	for _, consumerQueue := range processing {
		hasLock, err := sem.hasLock(ctx, consumerIDFromQueue(consumerQueue))
		if err != nil {
			return err
		}
		if hasLock {
			continue
		}
		messages, err := q.cache.client.ZRangeWithScores(ctx, consumerQueue, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			continue
		}
		message := messages[0]
		// Remove from processing queue and add back to pending queue
		timeoutOn := time.Unix(int64(message.Score), 0).Add(timeout)
		if time.Now().After(timeoutOn) {
			if _, err := q.cache.client.ZRem(ctx, consumerQueue, message.Member).Result(); err != nil {
				return err
			}
			if _, err := q.Push(ctx, message.Member); err != nil {
				return err
			}
		}
	}
	return nil
}

// Semaphore implements a counting semaphore in Redis described here:
// https://redis.com/ebook/part-2-core-concepts/chapter-6-application-components-in-redis/6-3-counting-semaphores/
type Semaphore struct {
	cache   *Cache
	name    string
	owners  string
	counter string
	cap     int
	timeout int
	id      string
}

// NewSemaphore returns a new instance of a Semaphore.
func NewSemaphore(cache *Cache, name string, cap, timeout int) *Semaphore {
	return &Semaphore{
		cache:   cache,
		name:    cache.getPrefixedKey(name),
		owners:  cache.getPrefixedKey(fmt.Sprintf("%s:%s", name, "owner")),
		counter: cache.getPrefixedKey(fmt.Sprintf("%s:%s", name, "counter")),
		cap:     cap,
		timeout: timeout,
		id:      newConsumerID(),
	}
}

// Acquire attempts to acquire a semaphore.
func (s *Semaphore) Acquire(ctx context.Context) (bool, error) {
	pipe := s.cache.client.Pipeline()
	defer pipe.Close()

	// Timeout old holders
	done := time.Now().Unix() - int64(s.timeout)
	pipe.ZRemRangeByScore(ctx, s.name, "-inf", fmt.Sprintf("%d", done))
	pipe.ZInterStore(ctx, s.owners, &redis.ZStore{
		Keys:      []string{s.owners, s.name},
		Weights:   []float64{1, 0},
		Aggregate: "SUM",
	})

	count := pipe.Incr(ctx, s.counter)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	// Try to acquire the semaphore
	pipe.ZAdd(ctx, s.name, &redis.Z{Score: float64(time.Now().Unix()), Member: s.id})
	pipe.ZAdd(ctx, s.owners, &redis.Z{Score: float64(count.Val()), Member: s.id})
	rank := pipe.ZRank(ctx, s.owners, s.id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	// Acquired
	if int(rank.Val()) < s.cap {
		return true, nil
	}

	// Failed to acquire, remove from the set
	pipe.ZRem(ctx, s.name, s.id)
	pipe.ZRem(ctx, s.owners, s.id)
	_, err = pipe.Exec(ctx)
	return false, err
}

// Release releases a semaphore.
func (s *Semaphore) Release(ctx context.Context) (bool, error) {
	pipe := s.cache.client.Pipeline()
	defer pipe.Close()

	removed := pipe.ZRem(ctx, s.name, s.id)
	pipe.ZRem(ctx, s.owners, s.id)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	return removed.Val() > 0, nil
}

// Refresh increases the lease on a held semaphore.
func (s *Semaphore) Refresh(ctx context.Context) (bool, error) {
	// Try to update the lease.
	result, err := s.cache.client.ZAdd(ctx, s.name, &redis.Z{Score: float64(time.Now().Unix()), Member: s.id}).Result()
	if err != nil {
		return false, err
	}

	// Semaphore was lost already
	if result > 0 {
		_, err := s.cache.client.ZRem(ctx, s.name, s.id).Result()
		return false, err
	}

	return true, nil
}

func (s *Semaphore) hasLock(ctx context.Context, consumerID string) (bool, error) {
	_, err := s.cache.client.ZScore(ctx, s.owners, consumerID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// newConsumerID generates a new consumerID
func newConsumerID() string {
	hostname, err := os.Hostname()
	hostname = strings.ReplaceAll(hostname, ":", "_")
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s_%d", hostname, os.Getpid())
}

func consumerIDFromQueue(queueKey string) string {
	parts := strings.Split(queueKey, ":")
	return parts[len(parts)-1]
}
