package persist

import (
	"context"
	"fmt"
	"time"
)

// CircleStatus represents the lifecycle status of a circle
type CircleStatus string

const (
	// CircleStatusActive means the circle participates in collision detection
	CircleStatusActive CircleStatus = "active"
	// CircleStatusPaused means the owner has temporarily withdrawn the circle
	CircleStatusPaused CircleStatus = "paused"
	// CircleStatusExpired means the circle's time window has closed
	CircleStatusExpired CircleStatus = "expired"
)

// Circle is a disk on Earth owned by a user, effective during a time window.
// The center is not stored on the circle; it is always dereferenced from the
// owner's current position, so a user moves all of her circles together.
type Circle struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id" binding:"required"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	OwnerUserID  DBID         `json:"owner_user_id"`
	Objective    string       `json:"objective"`
	RadiusMeters float64      `json:"radius_meters" binding:"gt=0"`
	StartAt      time.Time    `json:"start_at"`
	ExpiresAt    *time.Time   `json:"expires_at"`
	Status       CircleStatus `json:"status"`
}

// EffectiveAt reports whether the circle is currently effective: active and
// inside its [start_at, expires_at) window.
func (c Circle) EffectiveAt(now time.Time) bool {
	if c.Status != CircleStatusActive {
		return false
	}
	if now.Before(c.StartAt) {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// CircleWithPosition is a circle joined with its owner's current center,
// used by the geo index to resolve containment. Rows only exist for owners
// that have published a position.
type CircleWithPosition struct {
	CircleID     DBID
	OwnerUserID  DBID
	Objective    string
	RadiusMeters float64
	Lat          float64
	Lon          float64
}

// CircleRepository represents the interface for interacting with the persisted state of circles
type CircleRepository interface {
	Create(context.Context, Circle) (DBID, error)
	GetByID(context.Context, DBID) (Circle, error)
	// FindEffectiveByOwner returns the owner's currently effective circles,
	// most recently created first.
	FindEffectiveByOwner(ctx context.Context, ownerID DBID, at time.Time) ([]Circle, error)
	// FindEffectiveWithPosition returns the effective circles of the given
	// owners joined with each owner's published center. Owners with no
	// position are absent from the result.
	FindEffectiveWithPosition(ctx context.Context, ownerIDs []DBID, at time.Time) ([]CircleWithPosition, error)
	UpdateStatus(ctx context.Context, circleID DBID, status CircleStatus) error
}

// ErrCircleNotFound is returned when a circle is not found
type ErrCircleNotFound struct {
	CircleID DBID
}

func (e ErrCircleNotFound) Error() string {
	return fmt.Sprintf("circle not found: ID: %s", e.CircleID)
}
