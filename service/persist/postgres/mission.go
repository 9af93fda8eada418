package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgtype"

	"github.com/orbit-so/go-orbit/service/persist"
)

// MissionRepository represents a mission repository in the postgres database
type MissionRepository struct {
	db                *sql.DB
	createStmt        *sql.Stmt
	getByIDStmt       *sql.Stmt
	claimPendingStmt  *sql.Stmt
	completeStmt      *sql.Stmt
	failStmt          *sql.Stmt
	resetForRetryStmt *sql.Stmt
	pendingBeforeStmt *sql.Stmt
}

const missionCols = `ID, VERSION, OWNER_USER_ID, VISITOR_USER_ID, OWNER_CIRCLE_ID, VISITOR_CIRCLE_ID, COLLISION_EVENT_ID, STATUS, ATTEMPT_NUMBER, TRANSCRIPT, JUDGE_DECISION, COALESCE(FAILURE_REASON, ''), BACKPRESSURED, STARTED_AT, COMPLETED_AT, CREATED_AT, LAST_UPDATED`

// NewMissionRepository creates a new postgres repository for interacting with missions
func NewMissionRepository(db *sql.DB) *MissionRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO missions (ID, VERSION, OWNER_USER_ID, VISITOR_USER_ID, OWNER_CIRCLE_ID, VISITOR_CIRCLE_ID, COLLISION_EVENT_ID, STATUS, ATTEMPT_NUMBER, BACKPRESSURED, CREATED_AT, LAST_UPDATED)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now()) RETURNING `+missionCols+`;`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT `+missionCols+` FROM missions WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	// Conditional on the pending status so a redelivered job loses the claim.
	claimPendingStmt, err := db.PrepareContext(ctx, `UPDATE missions SET STATUS = 'in_progress', STARTED_AT = $2, LAST_UPDATED = now() WHERE ID = $1 AND STATUS = 'pending' RETURNING `+missionCols+`;`)
	checkNoErr(err)

	completeStmt, err := db.PrepareContext(ctx, `UPDATE missions SET STATUS = 'completed', TRANSCRIPT = $2, JUDGE_DECISION = $3, COMPLETED_AT = $4, LAST_UPDATED = now() WHERE ID = $1 RETURNING `+missionCols+`;`)
	checkNoErr(err)

	failStmt, err := db.PrepareContext(ctx, `UPDATE missions SET STATUS = 'failed', TRANSCRIPT = $2, FAILURE_REASON = $3, COMPLETED_AT = $4, LAST_UPDATED = now() WHERE ID = $1 RETURNING `+missionCols+`;`)
	checkNoErr(err)

	resetForRetryStmt, err := db.PrepareContext(ctx, `UPDATE missions SET STATUS = 'pending', ATTEMPT_NUMBER = ATTEMPT_NUMBER + 1, TRANSCRIPT = $2, FAILURE_REASON = $3, STARTED_AT = NULL, LAST_UPDATED = now() WHERE ID = $1 AND STATUS NOT IN ('completed', 'failed') RETURNING `+missionCols+`;`)
	checkNoErr(err)

	pendingBeforeStmt, err := db.PrepareContext(ctx, `SELECT `+missionCols+` FROM missions WHERE STATUS = 'pending' AND CREATED_AT < $1 AND DELETED = false ORDER BY CREATED_AT ASC;`)
	checkNoErr(err)

	return &MissionRepository{
		db:                db,
		createStmt:        createStmt,
		getByIDStmt:       getByIDStmt,
		claimPendingStmt:  claimPendingStmt,
		completeStmt:      completeStmt,
		failStmt:          failStmt,
		resetForRetryStmt: resetForRetryStmt,
		pendingBeforeStmt: pendingBeforeStmt,
	}
}

// Create creates a new mission row with status pending
func (m *MissionRepository) Create(pCtx context.Context, pMission persist.Mission) (persist.Mission, error) {
	attempt := pMission.AttemptNumber
	if attempt < 1 {
		attempt = 1
	}
	return scanMission(m.createStmt.QueryRowContext(pCtx,
		persist.GenerateID(), pMission.Version, pMission.OwnerUserID, pMission.VisitorUserID,
		pMission.OwnerCircleID, pMission.VisitorCircleID, pMission.CollisionEventID,
		persist.MissionStatusPending, attempt, pMission.Backpressured))
}

// GetByID gets the mission with the given ID
func (m *MissionRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.Mission, error) {
	mission, err := scanMission(m.getByIDStmt.QueryRowContext(pCtx, pID))
	if err == sql.ErrNoRows {
		return persist.Mission{}, persist.ErrMissionNotFound{ID: pID}
	}
	return mission, err
}

// ClaimPending conditionally transitions a pending mission to in_progress
func (m *MissionRepository) ClaimPending(pCtx context.Context, pID persist.DBID, startedAt time.Time) (persist.Mission, bool, error) {
	mission, err := scanMission(m.claimPendingStmt.QueryRowContext(pCtx, pID, startedAt))
	if err == sql.ErrNoRows {
		// Not pending anymore; report the current state so the caller can log it.
		current, getErr := m.GetByID(pCtx, pID)
		return current, false, getErr
	}
	if err != nil {
		return persist.Mission{}, false, err
	}
	return mission, true, nil
}

// Complete marks the mission completed with its transcript and judge decision
func (m *MissionRepository) Complete(pCtx context.Context, pID persist.DBID, transcript []persist.TranscriptTurn, decision *persist.JudgeDecision, completedAt time.Time) (persist.Mission, error) {
	tb, err := toJSONB(transcript)
	if err != nil {
		return persist.Mission{}, err
	}
	jb, err := toJSONB(decision)
	if err != nil {
		return persist.Mission{}, err
	}
	return scanMission(m.completeStmt.QueryRowContext(pCtx, pID, tb, jb, completedAt))
}

// Fail marks the mission failed, preserving the partial transcript
func (m *MissionRepository) Fail(pCtx context.Context, pID persist.DBID, transcript []persist.TranscriptTurn, reason string, completedAt time.Time) (persist.Mission, error) {
	tb, err := toJSONB(transcript)
	if err != nil {
		return persist.Mission{}, err
	}
	return scanMission(m.failStmt.QueryRowContext(pCtx, pID, tb, reason, completedAt))
}

// ResetForRetry returns a failed attempt to pending with an incremented attempt number
func (m *MissionRepository) ResetForRetry(pCtx context.Context, pID persist.DBID, transcript []persist.TranscriptTurn, reason string) (persist.Mission, error) {
	tb, err := toJSONB(transcript)
	if err != nil {
		return persist.Mission{}, err
	}
	mission, err := scanMission(m.resetForRetryStmt.QueryRowContext(pCtx, pID, tb, reason))
	if err == sql.ErrNoRows {
		return persist.Mission{}, persist.ErrMissionNotFound{ID: pID}
	}
	return mission, err
}

// FindPendingCreatedBefore returns pending missions older than the cutoff
func (m *MissionRepository) FindPendingCreatedBefore(pCtx context.Context, cutoff time.Time) ([]persist.Mission, error) {
	rows, err := m.pendingBeforeStmt.QueryContext(pCtx, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	missions := make([]persist.Mission, 0, 8)
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, mission)
	}
	return missions, rows.Err()
}

func toJSONB(v interface{}) (pgtype.JSONB, error) {
	j := pgtype.JSONB{Status: pgtype.Null}
	if v == nil {
		return j, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return j, err
	}
	j.Bytes = b
	j.Status = pgtype.Present
	return j, nil
}

func scanMission(row rowScanner) (persist.Mission, error) {
	var mission persist.Mission
	var transcript, decision pgtype.JSONB
	var started, completed sql.NullTime
	var created, updated time.Time

	err := row.Scan(&mission.ID, &mission.Version, &mission.OwnerUserID, &mission.VisitorUserID,
		&mission.OwnerCircleID, &mission.VisitorCircleID, &mission.CollisionEventID,
		&mission.Status, &mission.AttemptNumber, &transcript, &decision, &mission.FailureReason,
		&mission.Backpressured, &started, &completed, &created, &updated)
	if err != nil {
		return persist.Mission{}, err
	}

	if transcript.Status == pgtype.Present {
		if err := json.Unmarshal(transcript.Bytes, &mission.Transcript); err != nil {
			return persist.Mission{}, err
		}
	}
	if decision.Status == pgtype.Present {
		mission.JudgeDecision = &persist.JudgeDecision{}
		if err := json.Unmarshal(decision.Bytes, mission.JudgeDecision); err != nil {
			return persist.Mission{}, err
		}
	}
	if started.Valid {
		mission.StartedAt = &started.Time
	}
	if completed.Valid {
		mission.CompletedAt = &completed.Time
	}
	mission.CreationTime = persist.CreationTime(created)
	mission.LastUpdated = persist.LastUpdatedTime(updated)
	return mission, nil
}
