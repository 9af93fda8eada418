package mission

import (
	"context"

	"github.com/orbit-so/go-orbit/service/persist"
)

// ProfileSnapshot is the slice of a user's profile a mission payload carries.
// Snapshotting at creation time keeps the interview deterministic even if the
// profile changes mid-flight.
type ProfileSnapshot struct {
	UserID      persist.DBID `json:"user_id"`
	DisplayName string       `json:"display_name"`
	Persona     string       `json:"persona"`
}

// CircleSnapshot is the slice of the owner's circle a mission payload carries
type CircleSnapshot struct {
	CircleID     persist.DBID `json:"circle_id"`
	Objective    string       `json:"objective"`
	RadiusMeters float64      `json:"radius_meters"`
}

// MessageContext carries deliberately coarse situational hints. Exact
// positions never enter a prompt.
type MessageContext struct {
	ApproximateTimeISO        string  `json:"approximate_time_iso"`
	ApproximateDistanceMeters float64 `json:"approximate_distance_meters"`
}

// Message is the queue payload for one mission
type Message struct {
	MissionID     persist.DBID    `json:"mission_id"`
	PairKey       persist.PairKey `json:"pair_key"`
	OwnerUserID   persist.DBID    `json:"owner_user_id"`
	VisitorUserID persist.DBID    `json:"visitor_user_id"`
	Owner         ProfileSnapshot `json:"owner"`
	Visitor       ProfileSnapshot `json:"visitor"`
	OwnerCircle   CircleSnapshot  `json:"owner_circle"`
	Context       MessageContext  `json:"context"`
}

// GenerationParams are per-call generation settings
type GenerationParams struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Generation is one persona turn's output. StopSuggested means the persona
// believes the conversation has reached a conclusion.
type Generation struct {
	Text          string
	StopSuggested bool
}

// TextGenerator produces persona turns
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (Generation, error)
}

// Judge evaluates a finished transcript
type Judge interface {
	Evaluate(ctx context.Context, msg Message, transcript []persist.TranscriptTurn) (persist.JudgeDecision, error)
}

// Queue is the mission transport
type Queue interface {
	Push(ctx context.Context, value interface{}) (bool, error)
	Pop(ctx context.Context) (string, error)
	Ack(ctx context.Context, message string) error
	Pending(ctx context.Context) (int64, error)
}

// Result is what a runner reports back after executing a mission
type Result struct {
	Success       bool
	MatchMade     bool
	Transcript    []persist.TranscriptTurn
	JudgeDecision *persist.JudgeDecision
	FailureReason string
}
