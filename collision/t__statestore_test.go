package collision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/throttle"
	"github.com/orbit-so/go-orbit/util"
)

func testPairRecord(key persist.PairKey) PairRecord {
	now := time.Now()
	return PairRecord{
		PairKey:         key,
		OwnerCircleID:   "circleA",
		VisitorCircleID: "circleB",
		OwnerUserID:     "owner1",
		VisitorUserID:   "visitor1",
		DistanceMeters:  120,
		FirstSeen:       now,
		LastSeen:        now,
	}
}

func TestUpsertPair_NewAndRefresh(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	key := persist.NewPairKey("circleA", "circleB")
	first := testPairRecord(key)

	stored, isNew, err := state.UpsertPair(ctx, first)
	a.NoError(err)
	a.True(isNew)
	a.Equal(persist.CollisionStatusDetecting, stored.Status)

	// A re-observation keeps first-seen and status, moves last-seen and distance.
	a.NoError(state.SetPairStatus(ctx, key, persist.CollisionStatusStable))

	second := first
	second.LastSeen = first.LastSeen.Add(10 * time.Second)
	second.DistanceMeters = 80

	refreshed, isNew, err := state.UpsertPair(ctx, second)
	a.NoError(err)
	a.False(isNew)
	a.Equal(persist.CollisionStatusStable, refreshed.Status)
	a.Equal(80.0, refreshed.DistanceMeters)
	a.WithinDuration(first.FirstSeen, refreshed.FirstSeen, time.Millisecond)
	a.WithinDuration(second.LastSeen, refreshed.LastSeen, time.Millisecond)
}

func TestUpsertPair_ConcurrentFirstObservation(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	key := persist.NewPairKey("circleA", "circleB")
	recA := testPairRecord(key)
	recB := testPairRecord(key)
	recB.FirstSeen = recA.FirstSeen.Add(3 * time.Second)
	recB.LastSeen = recB.FirstSeen

	// Two ingests race on a brand-new pair; exactly one creates the record.
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for _, rec := range []PairRecord{recA, recB} {
		wg.Add(1)
		go func(rec PairRecord) {
			defer wg.Done()
			_, isNew, err := state.UpsertPair(ctx, rec)
			a.NoError(err)
			results <- isNew
		}(rec)
	}
	wg.Wait()
	close(results)

	var created int
	for isNew := range results {
		if isNew {
			created++
		}
	}
	a.Equal(1, created)

	// The stored first-seen is one of the writers', never a mix.
	stored, ok, err := state.GetPair(ctx, key)
	a.NoError(err)
	a.True(ok)
	winner := stored.FirstSeen.Equal(recA.FirstSeen) || stored.FirstSeen.Equal(recB.FirstSeen)
	a.True(winner, "first-seen must belong to the writer that created the record")
}

func TestGetPair_MissingPairIsNotAnError(t *testing.T) {
	a := setupTest(t)
	state := newTestStateStore(t, 45*time.Second)

	_, ok, err := state.GetPair(context.Background(), "nope|nope")
	a.NoError(err)
	a.False(ok)
}

func TestPairRecordEvaporates(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 500*time.Millisecond)

	key := persist.NewPairKey("circleA", "circleB")
	_, _, err := state.UpsertPair(ctx, testPairRecord(key))
	a.NoError(err)

	time.Sleep(time.Second)

	_, ok, err := state.GetPair(ctx, key)
	a.NoError(err)
	a.False(ok)
}

func TestDeletePair_RemovesRecordAndStabilityEntry(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	key := persist.NewPairKey("circleA", "circleB")
	_, _, err := state.UpsertPair(ctx, testPairRecord(key))
	a.NoError(err)
	a.NoError(state.EnqueueStability(ctx, key, time.Now()))

	a.NoError(state.DeletePair(ctx, key))

	_, ok, err := state.GetPair(ctx, key)
	a.NoError(err)
	a.False(ok)

	depth, err := state.StabilityDepth(ctx)
	a.NoError(err)
	a.Zero(depth)
}

func TestEnqueueStability_FirstSeenNeverResets(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	key := persist.NewPairKey("circleA", "circleB")
	firstSeen := time.Now().Add(-time.Minute)

	a.NoError(state.EnqueueStability(ctx, key, firstSeen))
	// A later re-observation must not restart the stability clock.
	a.NoError(state.EnqueueStability(ctx, key, time.Now()))

	entries, err := state.ScanStability(ctx, 10)
	a.NoError(err)
	a.Len(entries, 1)
	a.Equal(key, entries[0].PairKey)
	a.WithinDuration(firstSeen, entries[0].FirstSeen, time.Millisecond)
}

func TestScanStability_OldestFirst(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	now := time.Now()
	a.NoError(state.EnqueueStability(ctx, "b|c", now.Add(-10*time.Second)))
	a.NoError(state.EnqueueStability(ctx, "a|b", now.Add(-30*time.Second)))
	a.NoError(state.EnqueueStability(ctx, "c|d", now.Add(-20*time.Second)))

	entries, err := state.ScanStability(ctx, 10)
	a.NoError(err)
	a.Len(entries, 3)
	a.Equal(persist.PairKey("a|b"), entries[0].PairKey)
	a.Equal(persist.PairKey("c|d"), entries[1].PairKey)
	a.Equal(persist.PairKey("b|c"), entries[2].PairKey)

	// Limit caps the scan at the oldest entries.
	entries, err = state.ScanStability(ctx, 2)
	a.NoError(err)
	a.Len(entries, 2)
	a.Equal(persist.PairKey("a|b"), entries[0].PairKey)

	depth, err := state.StabilityDepth(ctx)
	a.NoError(err)
	a.Equal(int64(3), depth)
}

func TestCooldowns(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	userPair := persist.UserPairKey("owner1", "visitor1")

	_, active, err := state.ActiveCooldown(ctx, userPair)
	a.NoError(err)
	a.False(active)

	a.NoError(state.SetCooldown(ctx, userPair, CooldownMatched))

	kind, active, err := state.ActiveCooldown(ctx, userPair)
	a.NoError(err)
	a.True(active)
	a.Equal(CooldownMatched, kind)

	// A different user pair is unaffected.
	_, active, err = state.ActiveCooldown(ctx, persist.UserPairKey("owner1", "someoneElse"))
	a.NoError(err)
	a.False(active)
}

func TestInFlightLockLifecycle(t *testing.T) {
	a := setupTest(t)
	ctx := context.Background()
	state := newTestStateStore(t, 45*time.Second)

	key := persist.NewPairKey("circleA", "circleB")

	a.NoError(state.AcquireInFlight(ctx, key))

	// A second acquire while a mission is in flight is refused.
	err := state.AcquireInFlight(ctx, key)
	a.True(util.ErrorAs[throttle.ErrThrottleLocked](err))

	held, err := state.RefreshInFlight(ctx, key)
	a.NoError(err)
	a.True(held)

	a.NoError(state.ReleaseInFlight(ctx, key))

	held, err = state.RefreshInFlight(ctx, key)
	a.NoError(err)
	a.False(held)

	// Released locks can be taken again.
	a.NoError(state.AcquireInFlight(ctx, key))
}
