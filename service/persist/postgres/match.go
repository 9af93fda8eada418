package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/orbit-so/go-orbit/service/persist"
)

// MatchRepository represents a match repository in the postgres database.
// Chat rows are written here too because mutual-match activation and chat
// materialization must commit in a single transaction.
type MatchRepository struct {
	db                 *sql.DB
	createStmt         *sql.Stmt
	lockPairStmt       *sql.Stmt
	getByIDStmt        *sql.Stmt
	byPairStmt         *sql.Stmt
	byPairForUpdateStm *sql.Stmt
	setStatusStmt      *sql.Stmt
	upsertChatStmt     *sql.Stmt
	expirePendingStmt  *sql.Stmt
}

const matchCols = `ID, VERSION, PRIMARY_USER_ID, SECONDARY_USER_ID, PRIMARY_CIRCLE_ID, SECONDARY_CIRCLE_ID, MATCH_TYPE, WORTH_IT_SCORE, STATUS, COALESCE(COLLISION_EVENT_ID, ''), CREATED_AT, LAST_UPDATED`

// NewMatchRepository creates a new postgres repository for interacting with matches
func NewMatchRepository(db *sql.DB) *MatchRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO matches (ID, VERSION, PRIMARY_USER_ID, SECONDARY_USER_ID, PRIMARY_CIRCLE_ID, SECONDARY_CIRCLE_ID, MATCH_TYPE, WORTH_IT_SCORE, STATUS, COLLISION_EVENT_ID, CREATED_AT, LAST_UPDATED)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), now(), now()) RETURNING `+matchCols+`;`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT `+matchCols+` FROM matches WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	byPairStmt, err := db.PrepareContext(ctx, `SELECT `+matchCols+` FROM matches
		WHERE DELETED = false AND ((PRIMARY_USER_ID = $1 AND SECONDARY_USER_ID = $2) OR (PRIMARY_USER_ID = $2 AND SECONDARY_USER_ID = $1));`)
	checkNoErr(err)

	// The FOR UPDATE read serializes concurrent symmetric completions on the
	// same unordered pair so only one of them can observe "no inverse".
	byPairForUpdateStm, err := db.PrepareContext(ctx, `SELECT `+matchCols+` FROM matches
		WHERE DELETED = false AND ((PRIMARY_USER_ID = $1 AND SECONDARY_USER_ID = $2) OR (PRIMARY_USER_ID = $2 AND SECONDARY_USER_ID = $1)) FOR UPDATE;`)
	checkNoErr(err)

	// FOR UPDATE cannot lock rows that don't exist yet, so the pair itself is
	// serialized with a transaction-scoped advisory lock keyed on the
	// unordered user pair.
	lockPairStmt, err := db.PrepareContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`)
	checkNoErr(err)

	setStatusStmt, err := db.PrepareContext(ctx, `UPDATE matches SET STATUS = $2, LAST_UPDATED = now() WHERE ID = $1 RETURNING `+matchCols+`;`)
	checkNoErr(err)

	upsertChatStmt, err := db.PrepareContext(ctx, `INSERT INTO chats (ID, VERSION, PAIR_KEY, USER_IDS, CREATED_AT, LAST_UPDATED)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (PAIR_KEY) DO UPDATE SET LAST_UPDATED = now()
		RETURNING ID, VERSION, PAIR_KEY, USER_IDS, CREATED_AT, LAST_UPDATED;`)
	checkNoErr(err)

	expirePendingStmt, err := db.PrepareContext(ctx, `UPDATE matches SET STATUS = 'expired', LAST_UPDATED = now() WHERE STATUS = 'pending_accept' AND CREATED_AT < $1 AND DELETED = false;`)
	checkNoErr(err)

	return &MatchRepository{
		db:                 db,
		createStmt:         createStmt,
		lockPairStmt:       lockPairStmt,
		getByIDStmt:        getByIDStmt,
		byPairStmt:         byPairStmt,
		byPairForUpdateStm: byPairForUpdateStm,
		setStatusStmt:      setStatusStmt,
		upsertChatStmt:     upsertChatStmt,
		expirePendingStmt:  expirePendingStmt,
	}
}

// GetByID gets the match with the given ID
func (r *MatchRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.Match, error) {
	match, err := scanMatch(r.getByIDStmt.QueryRowContext(pCtx, pID))
	if err == sql.ErrNoRows {
		return persist.Match{}, persist.ErrMatchNotFound{ID: pID}
	}
	return match, err
}

// FindByUnorderedPair returns the 0-2 directional matches for the unordered user pair
func (r *MatchRepository) FindByUnorderedPair(pCtx context.Context, u1, u2 persist.DBID) ([]persist.Match, error) {
	rows, err := r.byPairStmt.QueryContext(pCtx, u1, u2)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMatches(rows)
}

// ResolveDirectional atomically resolves the incoming directional match against the
// unordered pair's existing rows. When the inverse direction exists, both rows become
// active and the pair's chat is materialized; otherwise the incoming side is stored as
// pending_accept. Idempotent against redelivery: an existing same-direction row is
// updated in place rather than duplicated.
func (r *MatchRepository) ResolveDirectional(pCtx context.Context, pMatch persist.Match) (persist.MatchResolution, error) {
	tx, err := r.db.BeginTx(pCtx, nil)
	if err != nil {
		return persist.MatchResolution{}, err
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(pCtx, r.lockPairStmt).ExecContext(pCtx, persist.UserPairKey(pMatch.PrimaryUserID, pMatch.SecondaryUserID).String()); err != nil {
		return persist.MatchResolution{}, err
	}

	rows, err := tx.StmtContext(pCtx, r.byPairForUpdateStm).QueryContext(pCtx, pMatch.PrimaryUserID, pMatch.SecondaryUserID)
	if err != nil {
		return persist.MatchResolution{}, err
	}
	existing, err := collectMatches(rows)
	if err != nil {
		return persist.MatchResolution{}, err
	}

	var same, inverse *persist.Match
	for i := range existing {
		if existing[i].PrimaryUserID == pMatch.PrimaryUserID {
			same = &existing[i]
		} else {
			inverse = &existing[i]
		}
	}

	resolution := persist.MatchResolution{}
	mutual := inverse != nil && inverse.Status != persist.MatchStatusDeclined && inverse.Status != persist.MatchStatusExpired

	status := persist.MatchStatusPendingAccept
	if mutual {
		status = persist.MatchStatusActive
	}

	if same != nil {
		updated, err := scanMatch(tx.StmtContext(pCtx, r.setStatusStmt).QueryRowContext(pCtx, same.ID, status))
		if err != nil {
			return persist.MatchResolution{}, err
		}
		resolution.Match = updated
	} else {
		pMatch.Status = status
		created, err := scanMatch(tx.StmtContext(pCtx, r.createStmt).QueryRowContext(pCtx,
			persist.GenerateID(), pMatch.Version, pMatch.PrimaryUserID, pMatch.SecondaryUserID,
			pMatch.PrimaryCircleID, pMatch.SecondaryCircleID, pMatch.MatchType, pMatch.WorthItScore,
			pMatch.Status, pMatch.CollisionEventID.String()))
		if err != nil {
			return persist.MatchResolution{}, err
		}
		resolution.Match = created
	}

	if mutual {
		activated, err := scanMatch(tx.StmtContext(pCtx, r.setStatusStmt).QueryRowContext(pCtx, inverse.ID, persist.MatchStatusActive))
		if err != nil {
			return persist.MatchResolution{}, err
		}
		resolution.Inverse = &activated
		resolution.Mutual = true

		chat, err := r.upsertChatTx(pCtx, tx, pMatch.PrimaryUserID, pMatch.SecondaryUserID)
		if err != nil {
			return persist.MatchResolution{}, err
		}
		resolution.Chat = &chat
	} else if inverse != nil {
		resolution.Inverse = inverse
	}

	if err := tx.Commit(); err != nil {
		return persist.MatchResolution{}, err
	}
	return resolution, nil
}

// ExpirePendingCreatedBefore transitions stale pending_accept rows to expired
func (r *MatchRepository) ExpirePendingCreatedBefore(pCtx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.expirePendingStmt.ExecContext(pCtx, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *MatchRepository) upsertChatTx(pCtx context.Context, tx *sql.Tx, u1, u2 persist.DBID) (persist.Chat, error) {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	key := persist.UserPairKey(u1, u2)
	return scanChat(tx.StmtContext(pCtx, r.upsertChatStmt).QueryRowContext(pCtx,
		persist.GenerateID(), 0, key, pq.Array([]string{u1.String(), u2.String()})))
}

func collectMatches(rows *sql.Rows) ([]persist.Match, error) {
	defer rows.Close()
	matches := make([]persist.Match, 0, 2)
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func scanMatch(row rowScanner) (persist.Match, error) {
	var match persist.Match
	var created, updated time.Time

	err := row.Scan(&match.ID, &match.Version, &match.PrimaryUserID, &match.SecondaryUserID,
		&match.PrimaryCircleID, &match.SecondaryCircleID, &match.MatchType, &match.WorthItScore,
		&match.Status, &match.CollisionEventID, &created, &updated)
	if err != nil {
		return persist.Match{}, err
	}

	match.CreationTime = persist.CreationTime(created)
	match.LastUpdated = persist.LastUpdatedTime(updated)
	return match, nil
}

func scanChat(row rowScanner) (persist.Chat, error) {
	var chat persist.Chat
	var userIDs []string
	var created, updated time.Time

	err := row.Scan(&chat.ID, &chat.Version, &chat.PairKey, pq.Array(&userIDs), &created, &updated)
	if err != nil {
		return persist.Chat{}, err
	}

	chat.UserIDs = make([]persist.DBID, len(userIDs))
	for i, id := range userIDs {
		chat.UserIDs[i] = persist.DBID(id)
	}
	chat.CreationTime = persist.CreationTime(created)
	chat.LastUpdated = persist.LastUpdatedTime(updated)
	return chat, nil
}
