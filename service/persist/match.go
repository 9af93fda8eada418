package persist

import (
	"context"
	"fmt"
	"time"
)

// MatchStatus represents the lifecycle status of a directional match
type MatchStatus string

const (
	// MatchStatusPendingAccept means one side has decided to connect and is waiting for the other
	MatchStatusPendingAccept MatchStatus = "pending_accept"
	// MatchStatusActive means both directions exist and the pair is connected
	MatchStatusActive MatchStatus = "active"
	// MatchStatusDeclined means a side declined the connection
	MatchStatusDeclined MatchStatus = "declined"
	// MatchStatusExpired means the pending match aged out
	MatchStatusExpired MatchStatus = "expired"
)

// MatchType distinguishes full matches from soft suggestions
type MatchType string

const (
	// MatchTypeMatch is a full agent-decided match
	MatchTypeMatch MatchType = "match"
	// MatchTypeSoft is a weaker suggestion surfaced without an interview
	MatchTypeSoft MatchType = "soft_match"
)

// Match is a directional record of the system's decision that two users
// should connect. Two rows in opposite directions for the same unordered
// user pair compose a mutual match; the storage layer maintains both rows in
// active simultaneously as the materialized symmetric form. The directional
// form preserves who spoke first.
type Match struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	PrimaryUserID     DBID        `json:"primary_user_id"`
	SecondaryUserID   DBID        `json:"secondary_user_id"`
	PrimaryCircleID   DBID        `json:"primary_circle_id"`
	SecondaryCircleID DBID        `json:"secondary_circle_id"`
	MatchType         MatchType   `json:"match_type"`
	WorthItScore      float64     `json:"worth_it_score"`
	Status            MatchStatus `json:"status"`
	CollisionEventID  DBID        `json:"collision_event_id"`
}

// MatchResolution is the outcome of resolving a directional match against
// the unordered pair's existing rows under one transaction.
type MatchResolution struct {
	// Match is the row for the incoming direction (created or updated).
	Match Match
	// Inverse is the opposite direction's row when one existed.
	Inverse *Match
	// Mutual reports whether both directions are now active.
	Mutual bool
	// Chat is set iff the resolution activated the mutual match.
	Chat *Chat
}

// MatchRepository represents the interface for interacting with the persisted
// state of matches. At most two rows exist per unordered user pair, one per
// direction, enforced by a directional unique constraint.
type MatchRepository interface {
	GetByID(context.Context, DBID) (Match, error)
	FindByUnorderedPair(ctx context.Context, u1, u2 DBID) ([]Match, error)
	// ResolveDirectional atomically inserts or updates the incoming
	// directional match, activating both directions and materializing the
	// pair's chat when the inverse direction already exists. The inverse
	// lookup and the writes happen under a single transaction so two
	// simultaneous symmetric completions cannot both observe "no inverse".
	ResolveDirectional(context.Context, Match) (MatchResolution, error)
	// ExpirePendingCreatedBefore transitions pending_accept rows created
	// before the cutoff to expired, returning the number of rows affected.
	ExpirePendingCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrMatchNotFound is returned when a match is not found
type ErrMatchNotFound struct {
	ID DBID
}

func (e ErrMatchNotFound) Error() string {
	return fmt.Sprintf("match not found: ID: %s", e.ID)
}
