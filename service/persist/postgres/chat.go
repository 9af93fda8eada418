package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/orbit-so/go-orbit/service/persist"
)

// ChatRepository represents a chat repository in the postgres database
type ChatRepository struct {
	db            *sql.DB
	getByPairStmt *sql.Stmt
	upsertStmt    *sql.Stmt
}

// NewChatRepository creates a new postgres repository for interacting with chats
func NewChatRepository(db *sql.DB) *ChatRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	getByPairStmt, err := db.PrepareContext(ctx, `SELECT ID, VERSION, PAIR_KEY, USER_IDS, CREATED_AT, LAST_UPDATED FROM chats WHERE PAIR_KEY = $1 AND DELETED = false;`)
	checkNoErr(err)

	upsertStmt, err := db.PrepareContext(ctx, `INSERT INTO chats (ID, VERSION, PAIR_KEY, USER_IDS, CREATED_AT, LAST_UPDATED)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (PAIR_KEY) DO UPDATE SET LAST_UPDATED = now()
		RETURNING ID, VERSION, PAIR_KEY, USER_IDS, CREATED_AT, LAST_UPDATED;`)
	checkNoErr(err)

	return &ChatRepository{
		db:            db,
		getByPairStmt: getByPairStmt,
		upsertStmt:    upsertStmt,
	}
}

// GetByPair gets the chat for the unordered user pair
func (r *ChatRepository) GetByPair(pCtx context.Context, u1, u2 persist.DBID) (persist.Chat, error) {
	key := persist.UserPairKey(u1, u2)
	chat, err := scanChat(r.getByPairStmt.QueryRowContext(pCtx, key))
	if err == sql.ErrNoRows {
		return persist.Chat{}, persist.ErrChatNotFound{PairKey: key}
	}
	return chat, err
}

// UpsertForPair creates the pair's chat if it does not exist and returns it either way
func (r *ChatRepository) UpsertForPair(pCtx context.Context, u1, u2 persist.DBID) (persist.Chat, error) {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return scanChat(r.upsertStmt.QueryRowContext(pCtx,
		persist.GenerateID(), 0, persist.UserPairKey(u1, u2), pq.Array([]string{u1.String(), u2.String()})))
}
