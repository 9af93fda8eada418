package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/orbit-so/go-orbit/service/persist"
)

// UserRepository represents a user repository in the postgres database
type UserRepository struct {
	db                 *sql.DB
	createStmt         *sql.Stmt
	getByIDStmt        *sql.Stmt
	updatePositionStmt *sql.Stmt
}

// NewUserRepository creates a new postgres repository for interacting with users
func NewUserRepository(db *sql.DB) *UserRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO users (ID, VERSION, DISPLAY_NAME, PERSONA, CREATED_AT, LAST_UPDATED) VALUES ($1, $2, $3, $4, now(), now()) RETURNING ID;`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT ID, VERSION, DISPLAY_NAME, PERSONA, POSITION_LAT, POSITION_LON, POSITION_UPDATED_AT, CREATED_AT, LAST_UPDATED FROM users WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	updatePositionStmt, err := db.PrepareContext(ctx, `UPDATE users SET POSITION_LAT = $2, POSITION_LON = $3, POSITION_UPDATED_AT = $4, LAST_UPDATED = now() WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	return &UserRepository{
		db:                 db,
		createStmt:         createStmt,
		getByIDStmt:        getByIDStmt,
		updatePositionStmt: updatePositionStmt,
	}
}

// Create creates a new user in the database
func (u *UserRepository) Create(pCtx context.Context, pUser persist.User) (persist.DBID, error) {
	var id persist.DBID
	err := u.createStmt.QueryRowContext(pCtx, persist.GenerateID(), pUser.Version, pUser.DisplayName, pUser.Persona).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByID gets the user with the given ID
func (u *UserRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.User, error) {
	var user persist.User
	var lat, lon sql.NullFloat64
	var posAt sql.NullTime
	var created, updated time.Time

	err := u.getByIDStmt.QueryRowContext(pCtx, pID).Scan(&user.ID, &user.Version, &user.DisplayName, &user.Persona, &lat, &lon, &posAt, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return persist.User{}, persist.ErrUserNotFound{UserID: pID}
		}
		return persist.User{}, err
	}

	user.CreationTime = persist.CreationTime(created)
	user.LastUpdated = persist.LastUpdatedTime(updated)
	if lat.Valid && lon.Valid {
		user.PositionLat = &lat.Float64
		user.PositionLon = &lon.Float64
	}
	if posAt.Valid {
		user.PositionUpdatedAt = &posAt.Time
	}
	return user, nil
}

// UpdatePosition persists the user's current center. The single UPDATE keeps
// writes linearizable per user.
func (u *UserRepository) UpdatePosition(pCtx context.Context, pID persist.DBID, lat, lon float64, at time.Time) error {
	res, err := u.updatePositionStmt.ExecContext(pCtx, pID, lat, lon, at)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return persist.ErrUserNotFound{UserID: pID}
	}
	return nil
}
