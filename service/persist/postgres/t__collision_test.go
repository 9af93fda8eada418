package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
)

func TestCollisionUpsert_RefreshesLastSeen(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	eventRepo := NewCollisionEventRepository(client)

	later := time.Now().Add(10 * time.Second)
	refreshed, err := eventRepo.Upsert(ctx, persist.CollisionEvent{
		PairKey:        seeded.event.PairKey,
		CircleOneID:    seeded.ownerCircle,
		CircleTwoID:    seeded.visitorCircle,
		UserOneID:      seeded.ownerID,
		UserTwoID:      seeded.visitorID,
		DistanceMeters: 80,
		FirstSeenAt:    later,
		LastSeenAt:     later,
	})
	a.NoError(err)

	// Same row, first-seen unchanged, last-seen and distance refreshed.
	a.Equal(seeded.event.ID, refreshed.ID)
	a.WithinDuration(seeded.event.FirstSeenAt, refreshed.FirstSeenAt, time.Millisecond)
	a.WithinDuration(later, refreshed.LastSeenAt, time.Millisecond)
	a.Equal(80.0, refreshed.DistanceMeters)
	a.Equal(persist.CollisionStatusDetecting, refreshed.Status)
}

func TestCollisionUpsert_ExpiredRowResets(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	eventRepo := NewCollisionEventRepository(client)

	a.NoError(eventRepo.SetMission(ctx, seeded.event.ID, "mission1"))
	a.NoError(eventRepo.SetStatus(ctx, seeded.event.ID, persist.CollisionStatusExpired))

	// A re-collision reuses the row with a fresh window and cleared refs.
	fresh := time.Now().Add(time.Hour)
	reset, err := eventRepo.Upsert(ctx, persist.CollisionEvent{
		PairKey:        seeded.event.PairKey,
		CircleOneID:    seeded.ownerCircle,
		CircleTwoID:    seeded.visitorCircle,
		UserOneID:      seeded.ownerID,
		UserTwoID:      seeded.visitorID,
		DistanceMeters: 200,
		FirstSeenAt:    fresh,
		LastSeenAt:     fresh,
	})
	a.NoError(err)
	a.Equal(seeded.event.ID, reset.ID)
	a.Equal(persist.CollisionStatusDetecting, reset.Status)
	a.WithinDuration(fresh, reset.FirstSeenAt, time.Millisecond)
	a.Empty(reset.MissionID)
	a.Empty(reset.MatchID)
}

func TestCollisionUpsert_NonTerminalStatusSticks(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	eventRepo := NewCollisionEventRepository(client)

	a.NoError(eventRepo.SetStatus(ctx, seeded.event.ID, persist.CollisionStatusStable))

	refreshed, err := eventRepo.Upsert(ctx, persist.CollisionEvent{
		PairKey:        seeded.event.PairKey,
		CircleOneID:    seeded.ownerCircle,
		CircleTwoID:    seeded.visitorCircle,
		UserOneID:      seeded.ownerID,
		UserTwoID:      seeded.visitorID,
		DistanceMeters: 100,
		FirstSeenAt:    time.Now(),
		LastSeenAt:     time.Now(),
	})
	a.NoError(err)
	a.Equal(persist.CollisionStatusStable, refreshed.Status)
}

func TestCollisionExpireFirstSeenBefore(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	eventRepo := NewCollisionEventRepository(client)

	// A cutoff before the row's first-seen expires nothing.
	keys, err := eventRepo.ExpireFirstSeenBefore(ctx, seeded.event.FirstSeenAt.Add(-time.Minute), []persist.CollisionStatus{persist.CollisionStatusDetecting})
	a.NoError(err)
	a.Empty(keys)

	keys, err = eventRepo.ExpireFirstSeenBefore(ctx, time.Now().Add(time.Minute), []persist.CollisionStatus{persist.CollisionStatusDetecting})
	a.NoError(err)
	a.Equal([]persist.PairKey{seeded.event.PairKey}, keys)

	expired, err := eventRepo.GetByPairKey(ctx, seeded.event.PairKey)
	a.NoError(err)
	a.Equal(persist.CollisionStatusExpired, expired.Status)

	// Status filter: an already-expired row does not match a detecting-only sweep.
	keys, err = eventRepo.ExpireFirstSeenBefore(ctx, time.Now().Add(time.Minute), []persist.CollisionStatus{persist.CollisionStatusDetecting})
	a.NoError(err)
	a.Empty(keys)
}

func TestCollisionGetByPairKey_NotFound(t *testing.T) {
	a, client := setupTest(t)

	eventRepo := NewCollisionEventRepository(client)
	_, err := eventRepo.GetByPairKey(context.Background(), "nope|nope")
	a.ErrorAs(err, &persist.ErrCollisionEventNotFound{})
}
