package persist

import (
	"context"
	"fmt"
	"time"
)

// MissionStatus represents the lifecycle status of a mission
type MissionStatus string

const (
	// MissionStatusPending means the mission is waiting to be picked up by a runner
	MissionStatusPending MissionStatus = "pending"
	// MissionStatusInProgress means a runner has claimed the mission
	MissionStatusInProgress MissionStatus = "in_progress"
	// MissionStatusCompleted means the interview ran to completion
	MissionStatusCompleted MissionStatus = "completed"
	// MissionStatusFailed means the mission exhausted its retry budget or was cancelled
	MissionStatusFailed MissionStatus = "failed"
)

// Terminal reports whether the mission can no longer be executed.
func (s MissionStatus) Terminal() bool {
	return s == MissionStatusCompleted || s == MissionStatusFailed
}

// TurnRole identifies which persona produced a transcript turn
type TurnRole string

const (
	// TurnRoleOwner is the persona of the circle owner
	TurnRoleOwner TurnRole = "owner"
	// TurnRoleVisitor is the persona of the user who entered the circle
	TurnRoleVisitor TurnRole = "visitor"
)

// TranscriptTurn is one ordered entry of an interview transcript, stored as
// JSONB on the mission row.
type TranscriptTurn struct {
	Role      TurnRole  `json:"role"`
	Goal      string    `json:"goal"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// JudgeDecision is the judge's verdict on a completed transcript. ParseError
// records a malformed judge response that was downgraded to not-notify.
type JudgeDecision struct {
	ShouldNotify bool   `json:"should_notify"`
	NotifyText   string `json:"notify_text,omitempty"`
	ParseError   string `json:"parse_error,omitempty"`
}

// Mission is a unit of work representing one agent-to-agent interview on
// behalf of a collision pair.
type Mission struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	OwnerUserID      DBID             `json:"owner_user_id"`
	VisitorUserID    DBID             `json:"visitor_user_id"`
	OwnerCircleID    DBID             `json:"owner_circle_id"`
	VisitorCircleID  DBID             `json:"visitor_circle_id"`
	CollisionEventID DBID             `json:"collision_event_id"`
	Status           MissionStatus    `json:"status"`
	AttemptNumber    int              `json:"attempt_number"`
	Transcript       []TranscriptTurn `json:"transcript"`
	JudgeDecision    *JudgeDecision   `json:"judge_decision"`
	FailureReason    string           `json:"failure_reason"`
	Backpressured    bool             `json:"backpressured"`
	StartedAt        *time.Time       `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at"`
}

// PairKey returns the canonical circle-pair key the mission was created for.
func (m Mission) PairKey() PairKey {
	return NewPairKey(m.OwnerCircleID, m.VisitorCircleID)
}

// UserPair returns the canonical user-pair key the mission was created for.
func (m Mission) UserPair() PairKey {
	return UserPairKey(m.OwnerUserID, m.VisitorUserID)
}

// MissionRepository represents the interface for interacting with the
// persisted state of missions. A partial unique index on
// (owner_user_id, visitor_user_id, collision_event_id) over non-terminal
// statuses enforces at most one live mission per collision.
type MissionRepository interface {
	Create(context.Context, Mission) (Mission, error)
	GetByID(context.Context, DBID) (Mission, error)
	// ClaimPending conditionally transitions a pending mission to
	// in_progress. The boolean reports whether this caller won the claim;
	// redelivered jobs lose the claim and must be dropped.
	ClaimPending(ctx context.Context, id DBID, startedAt time.Time) (Mission, bool, error)
	Complete(ctx context.Context, id DBID, transcript []TranscriptTurn, decision *JudgeDecision, completedAt time.Time) (Mission, error)
	Fail(ctx context.Context, id DBID, transcript []TranscriptTurn, reason string, completedAt time.Time) (Mission, error)
	// ResetForRetry returns a failed attempt to pending with an incremented
	// attempt number, preserving the partial transcript for diagnostics.
	ResetForRetry(ctx context.Context, id DBID, transcript []TranscriptTurn, reason string) (Mission, error)
	// FindPendingCreatedBefore returns pending missions older than the cutoff,
	// used by the janitor to recover jobs whose enqueue was lost.
	FindPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]Mission, error)
}

// ErrMissionNotFound is returned when a mission is not found
type ErrMissionNotFound struct {
	ID DBID
}

func (e ErrMissionNotFound) Error() string {
	return fmt.Sprintf("mission not found: ID: %s", e.ID)
}
