package server

import (
	"context"
	"time"

	"github.com/pplabs/chatwire/wire"
)

// The router depends on these narrow interfaces; redis and mongo provide
// the production implementations, memstore.go the in-process one used by
// tests and single-node development.

// Sequencer hands out the per-room monotonic message id. Ids are unique and
// strictly increasing within a room across every gateway node.
type Sequencer interface {
	NextMessageID(ctx context.Context, roomID string) (int64, error)
}

// PresenceStore records who is online and where reads have advanced.
type PresenceStore interface {
	Online(ctx context.Context, userID, gatewayID string, ttl time.Duration) error
	Offline(ctx context.Context, userID string) error
	Lookup(ctx context.Context, userID string) (gatewayID string, online bool, err error)

	MarkRead(ctx context.Context, roomID, userID string, messageID int64, at time.Time) error
	ReadCursor(ctx context.Context, roomID, userID string) (int64, error)
}

// HistoryStore durably records messages and their mutations. Deletes are
// soft; the row never leaves the stream.
type HistoryStore interface {
	SaveMessage(ctx context.Context, msg *wire.ChatMessage) error
	GetMessage(ctx context.Context, roomID string, id int64) (*wire.ChatMessage, error)
	EditMessage(ctx context.Context, roomID string, id int64, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, roomID string, id int64, deletedAt time.Time) error
	AddReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error
	RemoveReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error
	LoadRoomHistory(ctx context.Context, roomID string, limit int64) ([]*wire.ChatMessage, error)
}
