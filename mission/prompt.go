package mission

import (
	"fmt"
	"strings"

	"github.com/orbit-so/go-orbit/service/persist"
)

// TurnGoal directs what a persona should accomplish in its next turn
type TurnGoal string

const (
	GoalOpenAndAsk          TurnGoal = "open_and_ask_one_focused_question"
	GoalClarifyObjective    TurnGoal = "clarify_objective"
	GoalClarifyAvailability TurnGoal = "clarify_availability"
	GoalDecideAndClose      TurnGoal = "decide_and_close"
	GoalNotifyUser          TurnGoal = "notify_user"
)

// GoalForRound maps an owner round number to its goal. The final round always
// decides and closes; the middle rounds alternate between clarifying the
// objective and availability.
func GoalForRound(round, maxRounds int) TurnGoal {
	switch {
	case round <= 1:
		return GoalOpenAndAsk
	case round >= maxRounds:
		return GoalDecideAndClose
	case round%2 == 0:
		return GoalClarifyObjective
	default:
		return GoalClarifyAvailability
	}
}

// BuildTurnPrompt renders the full prompt for one persona turn. Pure: same
// inputs, same prompt.
func BuildTurnPrompt(role persist.TurnRole, goal TurnGoal, msg Message, transcript []persist.TranscriptTurn) string {
	var self, other ProfileSnapshot
	var stance string

	switch role {
	case persist.TurnRoleOwner:
		self, other = msg.Owner, msg.Visitor
		stance = fmt.Sprintf(
			"You set up a meeting circle with this objective: %q. Someone has entered it. Decide whether meeting them serves your objective.",
			msg.OwnerCircle.Objective)
	default:
		self, other = msg.Visitor, msg.Owner
		stance = fmt.Sprintf(
			"You are near someone whose meeting circle has the objective: %q. Answer honestly on behalf of the person you represent.",
			msg.OwnerCircle.Objective)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an agent speaking on behalf of %s.\n", self.DisplayName)
	fmt.Fprintf(&b, "The person you represent describes themselves as: %s\n", self.Persona)
	fmt.Fprintf(&b, "You are talking to an agent representing %s.\n\n", other.DisplayName)
	b.WriteString(stance)
	fmt.Fprintf(&b, "\n\nContext: it is around %s and the two people are roughly %.0f meters apart.\n",
		msg.Context.ApproximateTimeISO, msg.Context.ApproximateDistanceMeters)

	if len(transcript) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range transcript {
			fmt.Fprintf(&b, "[%s] %s\n", turn.Role, turn.Text)
		}
	}

	fmt.Fprintf(&b, "\nYour goal for this turn: %s.\n", goalInstruction(goal))
	b.WriteString(`Respond with JSON: {"text": "<what you say, 1-3 sentences>", "stop_suggested": <true if the conversation has reached a conclusion>}`)

	return b.String()
}

func goalInstruction(goal TurnGoal) string {
	switch goal {
	case GoalOpenAndAsk:
		return "open the conversation and ask exactly one focused question"
	case GoalClarifyObjective:
		return "clarify whether the other person actually fits the objective"
	case GoalClarifyAvailability:
		return "clarify whether the other person is available to meet right now"
	case GoalDecideAndClose:
		return "decide whether a meeting is worth it and close the conversation"
	case GoalNotifyUser:
		return "write one short friendly message telling the person you represent why they should meet, without revealing exact locations"
	default:
		return string(goal)
	}
}
