package mission

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbit-so/go-orbit/service/persist"
)

func TestGoalForRound(t *testing.T) {
	a := assert.New(t)

	a.Equal(GoalOpenAndAsk, GoalForRound(1, 3))
	a.Equal(GoalClarifyObjective, GoalForRound(2, 3))
	a.Equal(GoalDecideAndClose, GoalForRound(3, 3))

	a.Equal(GoalOpenAndAsk, GoalForRound(1, 5))
	a.Equal(GoalClarifyObjective, GoalForRound(2, 5))
	a.Equal(GoalClarifyAvailability, GoalForRound(3, 5))
	a.Equal(GoalClarifyObjective, GoalForRound(4, 5))
	a.Equal(GoalDecideAndClose, GoalForRound(5, 5))

	// A single-round interview opens and asks; it never gets to close.
	a.Equal(GoalOpenAndAsk, GoalForRound(1, 1))
}

func testMessage() Message {
	return Message{
		MissionID:     "mission1",
		PairKey:       persist.NewPairKey("circleA", "circleB"),
		OwnerUserID:   "owner1",
		VisitorUserID: "visitor1",
		Owner:         ProfileSnapshot{UserID: "owner1", DisplayName: "Ana", Persona: "a climber who works nights"},
		Visitor:       ProfileSnapshot{UserID: "visitor1", DisplayName: "Bo", Persona: "new in town, looking for climbing partners"},
		OwnerCircle:   CircleSnapshot{CircleID: "circleA", Objective: "find a belay partner", RadiusMeters: 500},
		Context:       MessageContext{ApproximateTimeISO: "2026-08-25T18:00:00Z", ApproximateDistanceMeters: 150},
	}
}

func TestBuildTurnPromptIsPure(t *testing.T) {
	a := assert.New(t)

	msg := testMessage()
	transcript := []persist.TranscriptTurn{
		{Role: persist.TurnRoleOwner, Text: "hello", CreatedAt: time.Now()},
	}

	first := BuildTurnPrompt(persist.TurnRoleOwner, GoalOpenAndAsk, msg, transcript)
	second := BuildTurnPrompt(persist.TurnRoleOwner, GoalOpenAndAsk, msg, transcript)
	a.Equal(first, second)
}

func TestBuildTurnPromptPerspective(t *testing.T) {
	a := assert.New(t)
	msg := testMessage()

	owner := BuildTurnPrompt(persist.TurnRoleOwner, GoalOpenAndAsk, msg, nil)
	a.Contains(owner, "on behalf of Ana")
	a.Contains(owner, "representing Bo")
	a.Contains(owner, "find a belay partner")
	a.Contains(owner, `"stop_suggested"`)

	visitor := BuildTurnPrompt(persist.TurnRoleVisitor, GoalOpenAndAsk, msg, nil)
	a.Contains(visitor, "on behalf of Bo")
	a.Contains(visitor, "representing Ana")
}

func TestBuildTurnPromptIncludesTranscript(t *testing.T) {
	a := assert.New(t)
	msg := testMessage()

	transcript := []persist.TranscriptTurn{
		{Role: persist.TurnRoleOwner, Text: "are you free to climb?"},
		{Role: persist.TurnRoleVisitor, Text: "yes, tonight works"},
	}

	prompt := BuildTurnPrompt(persist.TurnRoleOwner, GoalDecideAndClose, msg, transcript)
	a.Contains(prompt, "[owner] are you free to climb?")
	a.Contains(prompt, "[visitor] yes, tonight works")

	empty := BuildTurnPrompt(persist.TurnRoleOwner, GoalOpenAndAsk, msg, nil)
	a.False(strings.Contains(empty, "Conversation so far"))
}

func TestRoundDistance(t *testing.T) {
	a := assert.New(t)

	a.Equal(50.0, roundDistance(0))
	a.Equal(50.0, roundDistance(12))
	a.Equal(50.0, roundDistance(74))
	a.Equal(100.0, roundDistance(75))
	a.Equal(100.0, roundDistance(101))
	a.Equal(150.0, roundDistance(149))
	a.Equal(1000.0, roundDistance(987))
}
