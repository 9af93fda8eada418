package persist

import (
	"context"
	"fmt"
	"time"
)

// CollisionStatus represents the lifecycle status of a collision pair
type CollisionStatus string

const (
	// CollisionStatusDetecting means the pair has been observed but not long enough to act on
	CollisionStatusDetecting CollisionStatus = "detecting"
	// CollisionStatusStable means the pair has been continuously observed for the stability window
	CollisionStatusStable CollisionStatus = "stable"
	// CollisionStatusMissionCreated means a mission has been created for the pair
	CollisionStatusMissionCreated CollisionStatus = "mission_created"
	// CollisionStatusMatched means the pair's mission produced a match
	CollisionStatusMatched CollisionStatus = "matched"
	// CollisionStatusCooldown means the pair is embargoed from new missions
	CollisionStatusCooldown CollisionStatus = "cooldown"
	// CollisionStatusExpired means the pair aged out without producing a mission
	CollisionStatusExpired CollisionStatus = "expired"
)

// Terminal reports whether the status ends the pair's current observation window.
func (s CollisionStatus) Terminal() bool {
	return s == CollisionStatusMatched || s == CollisionStatusCooldown || s == CollisionStatusExpired
}

// PairKey is the canonical identifier for an unordered pair, formed by joining
// the two member IDs in lexicographic order.
type PairKey string

// NewPairKey builds the canonical key for a circle pair.
func NewPairKey(a, b DBID) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(fmt.Sprintf("%s|%s", a, b))
}

// UserPairKey builds the canonical key for an unordered user pair, used for
// cooldowns and chats.
func UserPairKey(u1, u2 DBID) PairKey {
	return NewPairKey(u1, u2)
}

func (p PairKey) String() string {
	return string(p)
}

// CollisionEvent is the durable twin of an ephemeral collision pair, kept for
// audit and cross-restart recovery. One row exists per canonical circle pair;
// a re-collision after expiry reuses the row with a fresh detecting window.
type CollisionEvent struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	PairKey        PairKey         `json:"pair_key"`
	CircleOneID    DBID            `json:"circle_one_id"`
	CircleTwoID    DBID            `json:"circle_two_id"`
	UserOneID      DBID            `json:"user_one_id"`
	UserTwoID      DBID            `json:"user_two_id"`
	DistanceMeters float64         `json:"distance_meters"`
	Status         CollisionStatus `json:"status"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	MissionID      DBID            `json:"mission_id"`
	MatchID        DBID            `json:"match_id"`
}

// CollisionEventRepository represents the interface for interacting with the
// persisted state of collision events
type CollisionEventRepository interface {
	// Upsert creates the row for the pair or refreshes last_seen_at on an
	// existing one. An existing row in status expired is reset to a fresh
	// detecting window with cleared mission and match references.
	Upsert(context.Context, CollisionEvent) (CollisionEvent, error)
	GetByID(context.Context, DBID) (CollisionEvent, error)
	GetByPairKey(context.Context, PairKey) (CollisionEvent, error)
	SetStatus(ctx context.Context, id DBID, status CollisionStatus) error
	SetMission(ctx context.Context, id DBID, missionID DBID) error
	SetMatch(ctx context.Context, id DBID, matchID DBID) error
	// ExpireFirstSeenBefore transitions rows first seen before the cutoff and
	// currently in one of the given statuses to expired, returning the pair
	// keys of the affected rows so their ephemeral twins can be purged.
	ExpireFirstSeenBefore(ctx context.Context, cutoff time.Time, statuses []CollisionStatus) ([]PairKey, error)
}

// ErrCollisionEventNotFound is returned when a collision event is not found
type ErrCollisionEventNotFound struct {
	ID      DBID
	PairKey PairKey
}

func (e ErrCollisionEventNotFound) Error() string {
	return fmt.Sprintf("collision event not found: ID: %s, pairKey: %s", e.ID, e.PairKey)
}
