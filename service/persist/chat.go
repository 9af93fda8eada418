package persist

import (
	"context"
	"fmt"
)

// Chat is the lightweight entity materialized once per active mutual match,
// uniquely keyed by the unordered user pair.
type Chat struct {
	Version      int             `json:"version"`
	ID           DBID            `json:"id"`
	CreationTime CreationTime    `json:"created_at"`
	Deleted      bool            `json:"-"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	PairKey PairKey `json:"pair_key"`
	UserIDs []DBID  `json:"user_ids"`
}

// ChatRepository represents the interface for interacting with the persisted state of chats
type ChatRepository interface {
	GetByPair(ctx context.Context, u1, u2 DBID) (Chat, error)
	// UpsertForPair creates the pair's chat if it does not exist and returns
	// it either way.
	UpsertForPair(ctx context.Context, u1, u2 DBID) (Chat, error)
}

// ErrChatNotFound is returned when a chat is not found
type ErrChatNotFound struct {
	PairKey PairKey
}

func (e ErrChatNotFound) Error() string {
	return fmt.Sprintf("chat not found: pairKey: %s", e.PairKey)
}
