package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/orbit-so/go-orbit/service/persist"
)

// CircleRepository represents a circle repository in the postgres database
type CircleRepository struct {
	db                       *sql.DB
	createStmt               *sql.Stmt
	getByIDStmt              *sql.Stmt
	effectiveByOwnerStmt     *sql.Stmt
	effectiveWithPositionStm *sql.Stmt
	updateStatusStmt         *sql.Stmt
}

// NewCircleRepository creates a new postgres repository for interacting with circles
func NewCircleRepository(db *sql.DB) *CircleRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO circles (ID, VERSION, OWNER_USER_ID, OBJECTIVE, RADIUS_METERS, START_AT, EXPIRES_AT, STATUS, CREATED_AT, LAST_UPDATED) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now()) RETURNING ID;`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT ID, VERSION, OWNER_USER_ID, OBJECTIVE, RADIUS_METERS, START_AT, EXPIRES_AT, STATUS, CREATED_AT, LAST_UPDATED FROM circles WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	effectiveByOwnerStmt, err := db.PrepareContext(ctx, `SELECT ID, VERSION, OWNER_USER_ID, OBJECTIVE, RADIUS_METERS, START_AT, EXPIRES_AT, STATUS, CREATED_AT, LAST_UPDATED FROM circles
		WHERE OWNER_USER_ID = $1 AND DELETED = false AND STATUS = 'active' AND START_AT <= $2 AND (EXPIRES_AT IS NULL OR EXPIRES_AT > $2)
		ORDER BY CREATED_AT DESC;`)
	checkNoErr(err)

	effectiveWithPositionStm, err := db.PrepareContext(ctx, `SELECT c.ID, c.OWNER_USER_ID, c.OBJECTIVE, c.RADIUS_METERS, u.POSITION_LAT, u.POSITION_LON FROM circles c
		JOIN users u ON u.ID = c.OWNER_USER_ID AND u.DELETED = false
		WHERE c.OWNER_USER_ID = ANY($1) AND c.DELETED = false AND c.STATUS = 'active' AND c.START_AT <= $2 AND (c.EXPIRES_AT IS NULL OR c.EXPIRES_AT > $2)
			AND u.POSITION_LAT IS NOT NULL AND u.POSITION_LON IS NOT NULL;`)
	checkNoErr(err)

	updateStatusStmt, err := db.PrepareContext(ctx, `UPDATE circles SET STATUS = $2, LAST_UPDATED = now() WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	return &CircleRepository{
		db:                       db,
		createStmt:               createStmt,
		getByIDStmt:              getByIDStmt,
		effectiveByOwnerStmt:     effectiveByOwnerStmt,
		effectiveWithPositionStm: effectiveWithPositionStm,
		updateStatusStmt:         updateStatusStmt,
	}
}

// Create creates a new circle in the database
func (c *CircleRepository) Create(pCtx context.Context, pCircle persist.Circle) (persist.DBID, error) {
	var expires sql.NullTime
	if pCircle.ExpiresAt != nil {
		expires = sql.NullTime{Time: *pCircle.ExpiresAt, Valid: true}
	}

	var id persist.DBID
	err := c.createStmt.QueryRowContext(pCtx, persist.GenerateID(), pCircle.Version, pCircle.OwnerUserID, pCircle.Objective, pCircle.RadiusMeters, pCircle.StartAt, expires, pCircle.Status).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByID gets the circle with the given ID
func (c *CircleRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.Circle, error) {
	circle, err := scanCircle(c.getByIDStmt.QueryRowContext(pCtx, pID))
	if err != nil {
		if err == sql.ErrNoRows {
			return persist.Circle{}, persist.ErrCircleNotFound{CircleID: pID}
		}
		return persist.Circle{}, err
	}
	return circle, nil
}

// FindEffectiveByOwner returns the owner's currently effective circles, most recently created first
func (c *CircleRepository) FindEffectiveByOwner(pCtx context.Context, pOwnerID persist.DBID, at time.Time) ([]persist.Circle, error) {
	rows, err := c.effectiveByOwnerStmt.QueryContext(pCtx, pOwnerID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	circles := make([]persist.Circle, 0, 4)
	for rows.Next() {
		circle, err := scanCircle(rows)
		if err != nil {
			return nil, err
		}
		circles = append(circles, circle)
	}
	return circles, rows.Err()
}

// FindEffectiveWithPosition returns effective circles of the given owners joined with each
// owner's published center
func (c *CircleRepository) FindEffectiveWithPosition(pCtx context.Context, pOwnerIDs []persist.DBID, at time.Time) ([]persist.CircleWithPosition, error) {
	if len(pOwnerIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pOwnerIDs))
	for i, id := range pOwnerIDs {
		ids[i] = id.String()
	}

	rows, err := c.effectiveWithPositionStm.QueryContext(pCtx, pq.Array(ids), at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]persist.CircleWithPosition, 0, len(pOwnerIDs))
	for rows.Next() {
		var row persist.CircleWithPosition
		if err := rows.Scan(&row.CircleID, &row.OwnerUserID, &row.Objective, &row.RadiusMeters, &row.Lat, &row.Lon); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// UpdateStatus updates the status of the circle with the given ID
func (c *CircleRepository) UpdateStatus(pCtx context.Context, pID persist.DBID, pStatus persist.CircleStatus) error {
	res, err := c.updateStatusStmt.ExecContext(pCtx, pID, pStatus)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return persist.ErrCircleNotFound{CircleID: pID}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCircle(row rowScanner) (persist.Circle, error) {
	var circle persist.Circle
	var expires sql.NullTime
	var created, updated time.Time

	err := row.Scan(&circle.ID, &circle.Version, &circle.OwnerUserID, &circle.Objective, &circle.RadiusMeters, &circle.StartAt, &expires, &circle.Status, &created, &updated)
	if err != nil {
		return persist.Circle{}, err
	}

	circle.CreationTime = persist.CreationTime(created)
	circle.LastUpdated = persist.LastUpdatedTime(updated)
	if expires.Valid {
		circle.ExpiresAt = &expires.Time
	}
	return circle, nil
}
