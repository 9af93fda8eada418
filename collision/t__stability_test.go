package collision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/redis"
)

type fakeCollisionEvents struct {
	mu   sync.Mutex
	rows map[persist.PairKey]*persist.CollisionEvent

	expireKeys []persist.PairKey
}

func newFakeCollisionEvents() *fakeCollisionEvents {
	return &fakeCollisionEvents{rows: map[persist.PairKey]*persist.CollisionEvent{}}
}

func (f *fakeCollisionEvents) Upsert(ctx context.Context, ev persist.CollisionEvent) (persist.CollisionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		ev.ID = persist.DBID("ev-" + ev.PairKey.String())
	}
	if ev.Status == "" {
		ev.Status = persist.CollisionStatusDetecting
	}
	f.rows[ev.PairKey] = &ev
	return ev, nil
}

func (f *fakeCollisionEvents) GetByID(ctx context.Context, id persist.DBID) (persist.CollisionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return *row, nil
		}
	}
	return persist.CollisionEvent{}, persist.ErrCollisionEventNotFound{ID: id}
}

func (f *fakeCollisionEvents) GetByPairKey(ctx context.Context, key persist.PairKey) (persist.CollisionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return persist.CollisionEvent{}, persist.ErrCollisionEventNotFound{PairKey: key}
	}
	return *row, nil
}

func (f *fakeCollisionEvents) SetStatus(ctx context.Context, id persist.DBID, status persist.CollisionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			row.Status = status
			return nil
		}
	}
	return persist.ErrCollisionEventNotFound{ID: id}
}

func (f *fakeCollisionEvents) SetMission(ctx context.Context, id, missionID persist.DBID) error {
	return f.setRef(id, func(row *persist.CollisionEvent) { row.MissionID = missionID })
}

func (f *fakeCollisionEvents) SetMatch(ctx context.Context, id, matchID persist.DBID) error {
	return f.setRef(id, func(row *persist.CollisionEvent) { row.MatchID = matchID })
}

func (f *fakeCollisionEvents) setRef(id persist.DBID, apply func(*persist.CollisionEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			apply(row)
			return nil
		}
	}
	return persist.ErrCollisionEventNotFound{ID: id}
}

func (f *fakeCollisionEvents) ExpireFirstSeenBefore(ctx context.Context, cutoff time.Time, statuses []persist.CollisionStatus) ([]persist.PairKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.expireKeys
	f.expireKeys = nil
	for _, key := range keys {
		if row, ok := f.rows[key]; ok {
			row.Status = persist.CollisionStatusExpired
		}
	}
	return keys, nil
}

type fakePromoter struct {
	mu       sync.Mutex
	promoted []PairRecord
}

func (f *fakePromoter) CreateMissionForCollision(ctx context.Context, rec PairRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, rec)
	return nil
}

func (f *fakePromoter) keys() []persist.PairKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]persist.PairKey, 0, len(f.promoted))
	for _, rec := range f.promoted {
		keys = append(keys, rec.PairKey)
	}
	return keys
}

func newTestStabilityWorker(t *testing.T, state *StateStore, collisions persist.CollisionEventRepository, promoter Promoter) *StabilityWorker {
	t.Helper()

	leaseCache := redis.NewCache(redis.WorkerLeaseCache)
	t.Cleanup(func() { leaseCache.Close() })

	return NewStabilityWorker(state, collisions, promoter, redis.NewLockClient(leaseCache), StabilityConfig{
		Window:      30 * time.Second,
		Tick:        5 * time.Second,
		StaleWindow: 45 * time.Second,
		BatchSize:   128,
	})
}

func TestStabilityTick_PromotesOnlyPairsPastWindow(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()

	state := newTestStateStore(t, time.Minute)
	collisions := newFakeCollisionEvents()
	promoter := &fakePromoter{}
	worker := newTestStabilityWorker(t, state, collisions, promoter)

	now := time.Now()
	worker.now = func() time.Time { return now }

	oldKey := persist.NewPairKey("circleA", "circleB")
	youngKey := persist.NewPairKey("circleC", "circleD")

	for _, seed := range []struct {
		key       persist.PairKey
		firstSeen time.Time
	}{
		{oldKey, now.Add(-31 * time.Second)},
		{youngKey, now.Add(-5 * time.Second)},
	} {
		rec := testPairRecord(seed.key)
		rec.FirstSeen = seed.firstSeen
		_, _, err := state.UpsertPair(ctx, rec)
		a.NoError(err)
		_, err = collisions.Upsert(ctx, persist.CollisionEvent{PairKey: seed.key, FirstSeenAt: seed.firstSeen})
		a.NoError(err)
		a.NoError(state.EnqueueStability(ctx, seed.key, seed.firstSeen))
	}

	worker.Tick(ctx)

	a.Equal([]persist.PairKey{oldKey}, promoter.keys())

	// The promoted pair leaves the queue; the young one keeps waiting.
	entries, err := state.ScanStability(ctx, 10)
	a.NoError(err)
	a.Len(entries, 1)
	a.Equal(youngKey, entries[0].PairKey)

	rec, ok, err := state.GetPair(ctx, oldKey)
	a.NoError(err)
	a.True(ok)
	a.Equal(persist.CollisionStatusStable, rec.Status)

	ev, err := collisions.GetByPairKey(ctx, oldKey)
	a.NoError(err)
	a.Equal(persist.CollisionStatusStable, ev.Status)
}

func TestStabilityTick_ExactWindowBoundaryPromotes(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()

	state := newTestStateStore(t, time.Minute)
	collisions := newFakeCollisionEvents()
	promoter := &fakePromoter{}
	worker := newTestStabilityWorker(t, state, collisions, promoter)

	now := time.Now()
	worker.now = func() time.Time { return now }

	key := persist.NewPairKey("circleA", "circleB")
	firstSeen := now.Add(-30 * time.Second)

	rec := testPairRecord(key)
	rec.FirstSeen = firstSeen
	_, _, err := state.UpsertPair(ctx, rec)
	a.NoError(err)
	_, err = collisions.Upsert(ctx, persist.CollisionEvent{PairKey: key, FirstSeenAt: firstSeen})
	a.NoError(err)
	a.NoError(state.EnqueueStability(ctx, key, firstSeen))

	worker.Tick(ctx)

	a.Equal([]persist.PairKey{key}, promoter.keys())
}

func TestStabilityTick_VanishedPairIsDequeuedWithoutPromotion(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()

	state := newTestStateStore(t, time.Minute)
	collisions := newFakeCollisionEvents()
	promoter := &fakePromoter{}
	worker := newTestStabilityWorker(t, state, collisions, promoter)

	now := time.Now()
	worker.now = func() time.Time { return now }

	// Queued long ago but the ephemeral record already evaporated.
	key := persist.NewPairKey("circleA", "circleB")
	a.NoError(state.EnqueueStability(ctx, key, now.Add(-time.Minute)))

	worker.Tick(ctx)

	a.Empty(promoter.keys())
	depth, err := state.StabilityDepth(ctx)
	a.NoError(err)
	a.Zero(depth)
}

func TestStabilityTick_MatchedPairIsDequeuedWithoutPromotion(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()

	state := newTestStateStore(t, time.Minute)
	collisions := newFakeCollisionEvents()
	promoter := &fakePromoter{}
	worker := newTestStabilityWorker(t, state, collisions, promoter)

	now := time.Now()
	worker.now = func() time.Time { return now }

	// The pair already went through a mission and matched, but the users are
	// still near each other, so observation re-enqueued it.
	key := persist.NewPairKey("circleA", "circleB")
	firstSeen := now.Add(-time.Minute)

	rec := testPairRecord(key)
	rec.FirstSeen = firstSeen
	_, _, err := state.UpsertPair(ctx, rec)
	a.NoError(err)

	ev, err := collisions.Upsert(ctx, persist.CollisionEvent{PairKey: key, FirstSeenAt: firstSeen})
	a.NoError(err)
	a.NoError(collisions.SetStatus(ctx, ev.ID, persist.CollisionStatusMatched))

	a.NoError(state.EnqueueStability(ctx, key, firstSeen))

	worker.Tick(ctx)

	a.Empty(promoter.keys())

	depth, err := state.StabilityDepth(ctx)
	a.NoError(err)
	a.Zero(depth)

	// Neither record moved.
	ev, err = collisions.GetByPairKey(ctx, key)
	a.NoError(err)
	a.Equal(persist.CollisionStatusMatched, ev.Status)

	stored, ok, err := state.GetPair(ctx, key)
	a.NoError(err)
	a.True(ok)
	a.Equal(persist.CollisionStatusDetecting, stored.Status)
}

func TestStabilityTick_AgePurgesExpiredPairs(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()

	state := newTestStateStore(t, time.Minute)
	collisions := newFakeCollisionEvents()
	promoter := &fakePromoter{}
	worker := newTestStabilityWorker(t, state, collisions, promoter)

	now := time.Now()
	worker.now = func() time.Time { return now }

	key := persist.NewPairKey("circleA", "circleB")
	rec := testPairRecord(key)
	_, _, err := state.UpsertPair(ctx, rec)
	a.NoError(err)
	a.NoError(state.EnqueueStability(ctx, key, now))
	_, err = collisions.Upsert(ctx, persist.CollisionEvent{PairKey: key})
	a.NoError(err)

	collisions.expireKeys = []persist.PairKey{key}

	worker.Tick(ctx)

	// The aged pair's ephemeral twin and queue entry are gone.
	_, ok, err := state.GetPair(ctx, key)
	a.NoError(err)
	a.False(ok)

	depth, err := state.StabilityDepth(ctx)
	a.NoError(err)
	a.Zero(depth)
}
