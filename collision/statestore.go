package collision

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/redis"
	"github.com/orbit-so/go-orbit/service/throttle"
	"github.com/orbit-so/go-orbit/util"
)

const stabilityKey = "pending"

// PairRecord is the ephemeral twin of a collision event. It lives in redis
// with a TTL of the stale window, so a pair that stops being observed simply
// evaporates.
type PairRecord struct {
	PairKey         persist.PairKey         `json:"pair_key"`
	OwnerCircleID   persist.DBID            `json:"owner_circle_id"`
	VisitorCircleID persist.DBID            `json:"visitor_circle_id"`
	OwnerUserID     persist.DBID            `json:"owner_user_id"`
	VisitorUserID   persist.DBID            `json:"visitor_user_id"`
	DistanceMeters  float64                 `json:"distance_meters"`
	Status          persist.CollisionStatus `json:"status"`
	FirstSeen       time.Time               `json:"first_seen"`
	LastSeen        time.Time               `json:"last_seen"`
}

// StabilityEntry is a pair awaiting promotion, scored by first observation
type StabilityEntry struct {
	PairKey   persist.PairKey
	FirstSeen time.Time
}

// CooldownKind determines how long a user pair is embargoed from new missions
type CooldownKind string

const (
	CooldownMatched  CooldownKind = "matched"
	CooldownRejected CooldownKind = "rejected"
	CooldownNotified CooldownKind = "notified"
)

// StateStoreConfig carries the tunables for the ephemeral pair state
type StateStoreConfig struct {
	StaleWindow  time.Duration
	CooldownTTLs map[CooldownKind]time.Duration
}

// StateStore owns the redis side of the collision pipeline: pair records,
// the stability queue, per-user-pair cooldowns, and in-flight mission locks.
type StateStore struct {
	pairs     *redis.Cache
	stability *redis.Cache
	cooldowns *redis.Cache
	inFlight  *throttle.Locker
	cfg       StateStoreConfig
}

func NewStateStore(pairs, stability, cooldowns *redis.Cache, inFlight *throttle.Locker, cfg StateStoreConfig) *StateStore {
	return &StateStore{
		pairs:     pairs,
		stability: stability,
		cooldowns: cooldowns,
		inFlight:  inFlight,
		cfg:       cfg,
	}
}

// UpsertPair creates or refreshes the ephemeral record for a pair. An existing
// record keeps its first-seen time and status; only last-seen and distance
// move. Returns the stored record and whether it was newly created.
func (s *StateStore) UpsertPair(ctx context.Context, rec PairRecord) (PairRecord, bool, error) {
	fresh := rec
	fresh.Status = persist.CollisionStatusDetecting

	b, err := json.Marshal(fresh)
	if err != nil {
		return PairRecord{}, false, err
	}

	// SetNX arbitrates concurrent first observations: exactly one writer
	// creates the record and its first-seen time wins.
	created, err := s.pairs.SetNX(ctx, rec.PairKey.String(), b, s.cfg.StaleWindow)
	if err != nil {
		return PairRecord{}, false, err
	}
	if created {
		return fresh, true, nil
	}

	existing, ok, err := s.GetPair(ctx, rec.PairKey)
	if err != nil {
		return PairRecord{}, false, err
	}
	if !ok {
		// The record evaporated between SetNX and the read; recreate it.
		if err := s.pairs.Set(ctx, rec.PairKey.String(), b, s.cfg.StaleWindow); err != nil {
			return PairRecord{}, false, err
		}
		return fresh, true, nil
	}

	existing.LastSeen = rec.LastSeen
	existing.DistanceMeters = rec.DistanceMeters

	b, err = json.Marshal(existing)
	if err != nil {
		return PairRecord{}, false, err
	}
	if err := s.pairs.Set(ctx, rec.PairKey.String(), b, s.cfg.StaleWindow); err != nil {
		return PairRecord{}, false, err
	}
	return existing, false, nil
}

// GetPair returns the ephemeral record for a pair, if it has not evaporated
func (s *StateStore) GetPair(ctx context.Context, key persist.PairKey) (PairRecord, bool, error) {
	b, err := s.pairs.Get(ctx, key.String())
	if err != nil {
		if util.ErrorAs[redis.ErrKeyNotFound](err) {
			return PairRecord{}, false, nil
		}
		return PairRecord{}, false, err
	}

	var rec PairRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return PairRecord{}, false, err
	}
	return rec, true, nil
}

// SetPairStatus updates the status on an existing pair record, refreshing its
// TTL. Missing records are ignored: the pair already evaporated.
func (s *StateStore) SetPairStatus(ctx context.Context, key persist.PairKey, status persist.CollisionStatus) error {
	rec, ok, err := s.GetPair(ctx, key)
	if err != nil || !ok {
		return err
	}

	rec.Status = status
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.pairs.Set(ctx, key.String(), b, s.cfg.StaleWindow)
}

// DeletePair removes the ephemeral record and its stability queue entry
func (s *StateStore) DeletePair(ctx context.Context, key persist.PairKey) error {
	if err := s.RemoveFromStability(ctx, key); err != nil {
		return err
	}
	return s.pairs.Delete(ctx, key.String())
}

// EnqueueStability registers a pair for stability tracking. The first-seen
// score only sticks on the first call, so re-observations never reset the
// stability clock.
func (s *StateStore) EnqueueStability(ctx context.Context, key persist.PairKey, firstSeen time.Time) error {
	_, err := s.stability.ZAddNX(ctx, stabilityKey, float64(firstSeen.UnixMilli()), key.String())
	return err
}

// ScanStability returns the oldest pairs awaiting promotion
func (s *StateStore) ScanStability(ctx context.Context, limit int64) ([]StabilityEntry, error) {
	zs, err := s.stability.ZRangeWithScores(ctx, stabilityKey, 0, limit-1)
	if err != nil {
		return nil, err
	}

	entries := make([]StabilityEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, StabilityEntry{
			PairKey:   persist.PairKey(z.Member.(string)),
			FirstSeen: time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

// RemoveFromStability removes a pair from the stability queue
func (s *StateStore) RemoveFromStability(ctx context.Context, key persist.PairKey) error {
	return s.stability.ZRem(ctx, stabilityKey, key.String())
}

// StabilityDepth returns the number of pairs awaiting promotion
func (s *StateStore) StabilityDepth(ctx context.Context) (int64, error) {
	return s.stability.ZCard(ctx, stabilityKey)
}

// SetCooldown embargoes a user pair from new missions for the kind's TTL
func (s *StateStore) SetCooldown(ctx context.Context, userPair persist.PairKey, kind CooldownKind) error {
	ttl, ok := s.cfg.CooldownTTLs[kind]
	if !ok {
		ttl = s.cfg.CooldownTTLs[CooldownNotified]
	}
	return s.cooldowns.Set(ctx, userPair.String(), []byte(kind), ttl)
}

// ActiveCooldown returns the active cooldown kind for a user pair, if any
func (s *StateStore) ActiveCooldown(ctx context.Context, userPair persist.PairKey) (CooldownKind, bool, error) {
	b, err := s.cooldowns.Get(ctx, userPair.String())
	if err != nil {
		if util.ErrorAs[redis.ErrKeyNotFound](err) {
			return "", false, nil
		}
		return "", false, err
	}
	return CooldownKind(b), true, nil
}

// AcquireInFlight takes the pair's mission lock. Returns ErrThrottleLocked
// when another mission for the pair is already in flight.
func (s *StateStore) AcquireInFlight(ctx context.Context, key persist.PairKey) error {
	return s.inFlight.Lock(ctx, key.String())
}

// ReleaseInFlight releases the pair's mission lock
func (s *StateStore) ReleaseInFlight(ctx context.Context, key persist.PairKey) error {
	return s.inFlight.Unlock(ctx, key.String())
}

// RefreshInFlight extends the pair's mission lock while a long mission runs.
// Returns false if the lock already expired.
func (s *StateStore) RefreshInFlight(ctx context.Context, key persist.PairKey) (bool, error) {
	return s.inFlight.Refresh(ctx, key.String())
}
