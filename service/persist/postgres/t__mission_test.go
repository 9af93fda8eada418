package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
)

func TestMissionClaimPending_SingleWinner(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	missionRepo := NewMissionRepository(client)

	mission, err := missionRepo.Create(ctx, persist.Mission{
		OwnerUserID:      seeded.ownerID,
		VisitorUserID:    seeded.visitorID,
		OwnerCircleID:    seeded.ownerCircle,
		VisitorCircleID:  seeded.visitorCircle,
		CollisionEventID: seeded.event.ID,
	})
	a.NoError(err)
	a.Equal(persist.MissionStatusPending, mission.Status)
	a.Equal(1, mission.AttemptNumber)

	claimed, won, err := missionRepo.ClaimPending(ctx, mission.ID, time.Now())
	a.NoError(err)
	a.True(won)
	a.Equal(persist.MissionStatusInProgress, claimed.Status)
	a.NotNil(claimed.StartedAt)

	// A redelivered copy loses the claim and sees the current state.
	current, won, err := missionRepo.ClaimPending(ctx, mission.ID, time.Now())
	a.NoError(err)
	a.False(won)
	a.Equal(persist.MissionStatusInProgress, current.Status)
}

func TestMissionResetForRetry(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	missionRepo := NewMissionRepository(client)

	mission, err := missionRepo.Create(ctx, persist.Mission{
		OwnerUserID:      seeded.ownerID,
		VisitorUserID:    seeded.visitorID,
		OwnerCircleID:    seeded.ownerCircle,
		VisitorCircleID:  seeded.visitorCircle,
		CollisionEventID: seeded.event.ID,
	})
	a.NoError(err)

	_, won, err := missionRepo.ClaimPending(ctx, mission.ID, time.Now())
	a.NoError(err)
	a.True(won)

	partial := []persist.TranscriptTurn{{Role: persist.TurnRoleOwner, Text: "hello?"}}
	retried, err := missionRepo.ResetForRetry(ctx, mission.ID, partial, "timeout")
	a.NoError(err)
	a.Equal(persist.MissionStatusPending, retried.Status)
	a.Equal(2, retried.AttemptNumber)
	a.Equal("timeout", retried.FailureReason)
	a.Nil(retried.StartedAt)
	a.Len(retried.Transcript, 1)
}

func TestMissionResetForRetry_TerminalIsNotReset(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	missionRepo := NewMissionRepository(client)

	mission, err := missionRepo.Create(ctx, persist.Mission{
		OwnerUserID:      seeded.ownerID,
		VisitorUserID:    seeded.visitorID,
		OwnerCircleID:    seeded.ownerCircle,
		VisitorCircleID:  seeded.visitorCircle,
		CollisionEventID: seeded.event.ID,
	})
	a.NoError(err)

	_, err = missionRepo.Fail(ctx, mission.ID, nil, "gave up", time.Now())
	a.NoError(err)

	_, err = missionRepo.ResetForRetry(ctx, mission.ID, nil, "late retry")
	a.ErrorAs(err, &persist.ErrMissionNotFound{})
}

func TestMissionComplete_PersistsTranscriptAndDecision(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	missionRepo := NewMissionRepository(client)

	mission, err := missionRepo.Create(ctx, persist.Mission{
		OwnerUserID:      seeded.ownerID,
		VisitorUserID:    seeded.visitorID,
		OwnerCircleID:    seeded.ownerCircle,
		VisitorCircleID:  seeded.visitorCircle,
		CollisionEventID: seeded.event.ID,
	})
	a.NoError(err)

	transcript := []persist.TranscriptTurn{
		{Role: persist.TurnRoleOwner, Goal: "open_and_ask_one_focused_question", Text: "are you free?"},
		{Role: persist.TurnRoleVisitor, Goal: "open_and_ask_one_focused_question", Text: "yes"},
	}
	decision := &persist.JudgeDecision{ShouldNotify: true, NotifyText: "meet them"}

	_, err = missionRepo.Complete(ctx, mission.ID, transcript, decision, time.Now())
	a.NoError(err)

	stored, err := missionRepo.GetByID(ctx, mission.ID)
	a.NoError(err)
	a.Equal(persist.MissionStatusCompleted, stored.Status)
	a.Len(stored.Transcript, 2)
	a.Equal("are you free?", stored.Transcript[0].Text)
	a.NotNil(stored.JudgeDecision)
	a.True(stored.JudgeDecision.ShouldNotify)
	a.NotNil(stored.CompletedAt)
}

func TestMissionFindPendingCreatedBefore(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()

	seeded := seedCollision(t, client)
	missionRepo := NewMissionRepository(client)

	mission, err := missionRepo.Create(ctx, persist.Mission{
		OwnerUserID:      seeded.ownerID,
		VisitorUserID:    seeded.visitorID,
		OwnerCircleID:    seeded.ownerCircle,
		VisitorCircleID:  seeded.visitorCircle,
		CollisionEventID: seeded.event.ID,
	})
	a.NoError(err)

	// Nothing is older than a cutoff in the past.
	orphans, err := missionRepo.FindPendingCreatedBefore(ctx, time.Now().Add(-time.Minute))
	a.NoError(err)
	a.Empty(orphans)

	orphans, err = missionRepo.FindPendingCreatedBefore(ctx, time.Now().Add(time.Minute))
	a.NoError(err)
	a.Len(orphans, 1)
	a.Equal(mission.ID, orphans[0].ID)

	// A claimed mission is no longer an orphan candidate.
	_, won, err := missionRepo.ClaimPending(ctx, mission.ID, time.Now())
	a.NoError(err)
	a.True(won)

	orphans, err = missionRepo.FindPendingCreatedBefore(ctx, time.Now().Add(time.Minute))
	a.NoError(err)
	a.Empty(orphans)
}
