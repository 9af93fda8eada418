package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPairKeyIsCanonical(t *testing.T) {
	a := assert.New(t)

	a.Equal(NewPairKey("circleA", "circleB"), NewPairKey("circleB", "circleA"))
	a.Equal(PairKey("circleA|circleB"), NewPairKey("circleB", "circleA"))
	a.Equal(PairKey("x|x"), NewPairKey("x", "x"))
}

func TestCollisionStatusTerminal(t *testing.T) {
	a := assert.New(t)

	a.False(CollisionStatusDetecting.Terminal())
	a.False(CollisionStatusStable.Terminal())
	a.False(CollisionStatusMissionCreated.Terminal())
	a.True(CollisionStatusMatched.Terminal())
	a.True(CollisionStatusCooldown.Terminal())
	a.True(CollisionStatusExpired.Terminal())
}

func TestMissionStatusTerminal(t *testing.T) {
	a := assert.New(t)

	a.False(MissionStatusPending.Terminal())
	a.False(MissionStatusInProgress.Terminal())
	a.True(MissionStatusCompleted.Terminal())
	a.True(MissionStatusFailed.Terminal())
}
