package persist

import (
	"context"
	"fmt"
	"time"
)

// User represents a user of the matchmaking core. The profile fields are
// snapshotted into mission payloads; the position fields are owned by the
// position store and are nil until the user publishes a first position.
type User struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id" binding:"required"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	DisplayName string `json:"display_name"`
	Persona     string `json:"persona"`

	PositionLat       *float64   `json:"position_lat"`
	PositionLon       *float64   `json:"position_lon"`
	PositionUpdatedAt *time.Time `json:"position_updated_at"`
}

// HasPosition reports whether the user has ever published a center position.
func (u User) HasPosition() bool {
	return u.PositionLat != nil && u.PositionLon != nil
}

// UserRepository represents the interface for interacting with the persisted state of users
type UserRepository interface {
	Create(context.Context, User) (DBID, error)
	GetByID(context.Context, DBID) (User, error)
	UpdatePosition(ctx context.Context, userID DBID, lat, lon float64, at time.Time) error
}

// ErrUserNotFound is returned when a user is not found
type ErrUserNotFound struct {
	UserID DBID
}

func (e ErrUserNotFound) Error() string {
	return fmt.Sprintf("user not found: ID: %s", e.UserID)
}
