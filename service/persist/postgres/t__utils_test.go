package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	migrate "github.com/orbit-so/go-orbit/db"
	"github.com/orbit-so/go-orbit/service/persist"
)

func setupTest(t *testing.T) (*assert.Assertions, *sql.DB) {
	viper.SetDefault("POSTGRES_HOST", "0.0.0.0")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.Set("ENV", "local")

	client := MustCreateClient()
	if err := migrate.RunCoreDBMigration(client); err != nil {
		t.Fatalf("failed to run migration: %s", err)
	}

	t.Cleanup(func() {
		defer client.Close()
		dropSQL := `TRUNCATE users, circles, collision_events, missions, matches, chats;`
		if _, err := client.Exec(dropSQL); err != nil {
			t.Logf("error truncating tables: %v", err)
		}
	})

	return assert.New(t), client
}

type seededPair struct {
	ownerID       persist.DBID
	visitorID     persist.DBID
	ownerCircle   persist.DBID
	visitorCircle persist.DBID
	event         persist.CollisionEvent
}

// seedCollision creates two users, a circle each, and a detecting collision
// event between the circles.
func seedCollision(t *testing.T, client *sql.DB) seededPair {
	t.Helper()
	ctx := context.Background()

	userRepo := NewUserRepository(client)
	circleRepo := NewCircleRepository(client)
	eventRepo := NewCollisionEventRepository(client)

	ownerID, err := userRepo.Create(ctx, persist.User{DisplayName: "Ana", Persona: "climber"})
	if err != nil {
		t.Fatalf("failed to create owner: %s", err)
	}
	visitorID, err := userRepo.Create(ctx, persist.User{DisplayName: "Bo", Persona: "new in town"})
	if err != nil {
		t.Fatalf("failed to create visitor: %s", err)
	}

	ownerCircle, err := circleRepo.Create(ctx, persist.Circle{
		OwnerUserID:  ownerID,
		Objective:    "find a belay partner",
		RadiusMeters: 500,
		StartAt:      time.Now().Add(-time.Hour),
		Status:       persist.CircleStatusActive,
	})
	if err != nil {
		t.Fatalf("failed to create owner circle: %s", err)
	}
	visitorCircle, err := circleRepo.Create(ctx, persist.Circle{
		OwnerUserID:  visitorID,
		Objective:    "meet climbers",
		RadiusMeters: 300,
		StartAt:      time.Now().Add(-time.Hour),
		Status:       persist.CircleStatusActive,
	})
	if err != nil {
		t.Fatalf("failed to create visitor circle: %s", err)
	}

	now := time.Now()
	event, err := eventRepo.Upsert(ctx, persist.CollisionEvent{
		PairKey:        persist.NewPairKey(ownerCircle, visitorCircle),
		CircleOneID:    ownerCircle,
		CircleTwoID:    visitorCircle,
		UserOneID:      ownerID,
		UserTwoID:      visitorID,
		DistanceMeters: 120,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	})
	if err != nil {
		t.Fatalf("failed to upsert collision event: %s", err)
	}

	return seededPair{
		ownerID:       ownerID,
		visitorID:     visitorID,
		ownerCircle:   ownerCircle,
		visitorCircle: visitorCircle,
		event:         event,
	}
}
