package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/orbit-so/go-orbit/service/persist"
)

// CollisionEventRepository represents a collision event repository in the postgres database
type CollisionEventRepository struct {
	upsertStmt       *sql.Stmt
	getByIDStmt      *sql.Stmt
	getByPairKeyStmt *sql.Stmt
	setStatusStmt    *sql.Stmt
	setMissionStmt   *sql.Stmt
	setMatchStmt     *sql.Stmt
	expireStmt       *sql.Stmt
}

// NewCollisionEventRepository creates a new postgres repository for interacting with collision events
func NewCollisionEventRepository(db *sql.DB) *CollisionEventRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// A re-collision after expiry reuses the unique pair row: the terminal row
	// is reset to a fresh detecting window with cleared mission/match refs.
	upsertStmt, err := db.PrepareContext(ctx, `INSERT INTO collision_events (ID, VERSION, PAIR_KEY, CIRCLE_ONE_ID, CIRCLE_TWO_ID, USER_ONE_ID, USER_TWO_ID, DISTANCE_METERS, STATUS, FIRST_SEEN_AT, LAST_SEEN_AT, CREATED_AT, LAST_UPDATED)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (PAIR_KEY) DO UPDATE SET
			DISTANCE_METERS = EXCLUDED.DISTANCE_METERS,
			LAST_SEEN_AT = EXCLUDED.LAST_SEEN_AT,
			LAST_UPDATED = now(),
			FIRST_SEEN_AT = CASE WHEN collision_events.STATUS = 'expired' THEN EXCLUDED.FIRST_SEEN_AT ELSE collision_events.FIRST_SEEN_AT END,
			MISSION_ID = CASE WHEN collision_events.STATUS = 'expired' THEN NULL ELSE collision_events.MISSION_ID END,
			MATCH_ID = CASE WHEN collision_events.STATUS = 'expired' THEN NULL ELSE collision_events.MATCH_ID END,
			STATUS = CASE WHEN collision_events.STATUS = 'expired' THEN 'detecting' ELSE collision_events.STATUS END
		RETURNING ID, VERSION, PAIR_KEY, CIRCLE_ONE_ID, CIRCLE_TWO_ID, USER_ONE_ID, USER_TWO_ID, DISTANCE_METERS, STATUS, FIRST_SEEN_AT, LAST_SEEN_AT, COALESCE(MISSION_ID, ''), COALESCE(MATCH_ID, ''), CREATED_AT, LAST_UPDATED;`)
	checkNoErr(err)

	selectCols := `SELECT ID, VERSION, PAIR_KEY, CIRCLE_ONE_ID, CIRCLE_TWO_ID, USER_ONE_ID, USER_TWO_ID, DISTANCE_METERS, STATUS, FIRST_SEEN_AT, LAST_SEEN_AT, COALESCE(MISSION_ID, ''), COALESCE(MATCH_ID, ''), CREATED_AT, LAST_UPDATED FROM collision_events`

	getByIDStmt, err := db.PrepareContext(ctx, selectCols+` WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	getByPairKeyStmt, err := db.PrepareContext(ctx, selectCols+` WHERE PAIR_KEY = $1 AND DELETED = false;`)
	checkNoErr(err)

	setStatusStmt, err := db.PrepareContext(ctx, `UPDATE collision_events SET STATUS = $2, LAST_UPDATED = now() WHERE ID = $1;`)
	checkNoErr(err)

	setMissionStmt, err := db.PrepareContext(ctx, `UPDATE collision_events SET MISSION_ID = $2, STATUS = 'mission_created', LAST_UPDATED = now() WHERE ID = $1;`)
	checkNoErr(err)

	setMatchStmt, err := db.PrepareContext(ctx, `UPDATE collision_events SET MATCH_ID = $2, STATUS = 'matched', LAST_UPDATED = now() WHERE ID = $1;`)
	checkNoErr(err)

	expireStmt, err := db.PrepareContext(ctx, `UPDATE collision_events SET STATUS = 'expired', LAST_UPDATED = now() WHERE FIRST_SEEN_AT < $1 AND STATUS = ANY($2) AND DELETED = false RETURNING PAIR_KEY;`)
	checkNoErr(err)

	return &CollisionEventRepository{
		upsertStmt:       upsertStmt,
		getByIDStmt:      getByIDStmt,
		getByPairKeyStmt: getByPairKeyStmt,
		setStatusStmt:    setStatusStmt,
		setMissionStmt:   setMissionStmt,
		setMatchStmt:     setMatchStmt,
		expireStmt:       expireStmt,
	}
}

// Upsert creates or refreshes the durable row for a collision pair
func (r *CollisionEventRepository) Upsert(pCtx context.Context, pEvent persist.CollisionEvent) (persist.CollisionEvent, error) {
	return scanCollisionEvent(r.upsertStmt.QueryRowContext(pCtx,
		persist.GenerateID(), pEvent.Version, pEvent.PairKey, pEvent.CircleOneID, pEvent.CircleTwoID,
		pEvent.UserOneID, pEvent.UserTwoID, pEvent.DistanceMeters, persist.CollisionStatusDetecting,
		pEvent.FirstSeenAt, pEvent.LastSeenAt))
}

// GetByID gets the collision event with the given ID
func (r *CollisionEventRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.CollisionEvent, error) {
	event, err := scanCollisionEvent(r.getByIDStmt.QueryRowContext(pCtx, pID))
	if err == sql.ErrNoRows {
		return persist.CollisionEvent{}, persist.ErrCollisionEventNotFound{ID: pID}
	}
	return event, err
}

// GetByPairKey gets the collision event for the given canonical pair
func (r *CollisionEventRepository) GetByPairKey(pCtx context.Context, pKey persist.PairKey) (persist.CollisionEvent, error) {
	event, err := scanCollisionEvent(r.getByPairKeyStmt.QueryRowContext(pCtx, pKey))
	if err == sql.ErrNoRows {
		return persist.CollisionEvent{}, persist.ErrCollisionEventNotFound{PairKey: pKey}
	}
	return event, err
}

// SetStatus updates the status of the collision event with the given ID
func (r *CollisionEventRepository) SetStatus(pCtx context.Context, pID persist.DBID, pStatus persist.CollisionStatus) error {
	_, err := r.setStatusStmt.ExecContext(pCtx, pID, pStatus)
	return err
}

// SetMission records the mission created for the collision event
func (r *CollisionEventRepository) SetMission(pCtx context.Context, pID persist.DBID, pMissionID persist.DBID) error {
	_, err := r.setMissionStmt.ExecContext(pCtx, pID, pMissionID)
	return err
}

// SetMatch records the match produced by the collision event
func (r *CollisionEventRepository) SetMatch(pCtx context.Context, pID persist.DBID, pMatchID persist.DBID) error {
	_, err := r.setMatchStmt.ExecContext(pCtx, pID, pMatchID)
	return err
}

// ExpireFirstSeenBefore ages out rows first seen before the cutoff
func (r *CollisionEventRepository) ExpireFirstSeenBefore(pCtx context.Context, cutoff time.Time, statuses []persist.CollisionStatus) ([]persist.PairKey, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}

	rows, err := r.expireStmt.QueryContext(pCtx, cutoff, pq.Array(ss))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]persist.PairKey, 0, 16)
	for rows.Next() {
		var key persist.PairKey
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanCollisionEvent(row rowScanner) (persist.CollisionEvent, error) {
	var event persist.CollisionEvent
	var created, updated time.Time

	err := row.Scan(&event.ID, &event.Version, &event.PairKey, &event.CircleOneID, &event.CircleTwoID,
		&event.UserOneID, &event.UserTwoID, &event.DistanceMeters, &event.Status,
		&event.FirstSeenAt, &event.LastSeenAt, &event.MissionID, &event.MatchID, &created, &updated)
	if err != nil {
		return persist.CollisionEvent{}, err
	}

	event.CreationTime = persist.CreationTime(created)
	event.LastUpdated = persist.LastUpdatedTime(updated)
	return event, nil
}
