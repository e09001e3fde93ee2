package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pplabs/chatwire/wire"
)

// MongoHistory implements HistoryStore on a messages collection keyed by
// (room_id, id).
type MongoHistory struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type MongoConf struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

func (c *MongoConf) norm() {
	if c.Collection == "" {
		c.Collection = "messages"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func NewMongoHistory(ctx context.Context, c MongoConf) (*MongoHistory, error) {
	c.norm()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}

	coll := cli.Database(c.Database).Collection(c.Collection)
	// (room_id, id) is the primary access path and the uniqueness invariant.
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure message index")
	}
	return &MongoHistory{client: cli, coll: coll}, nil
}

func (h *MongoHistory) Close(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}

type messageDoc struct {
	ID         int64               `bson:"id"`
	RoomID     string              `bson:"room_id"`
	SenderID   string              `bson:"sender_id"`
	SenderName string              `bson:"sender_name"`
	Content    string              `bson:"content"`
	Kind       string              `bson:"kind"`
	CreatedAt  time.Time           `bson:"created_at"`
	EditedAt   *time.Time          `bson:"edited_at,omitempty"`
	DeletedAt  *time.Time          `bson:"deleted_at,omitempty"`
	Reactions  map[string][]string `bson:"reactions,omitempty"`
}

func toDoc(m *wire.ChatMessage) *messageDoc {
	return &messageDoc{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Kind:       string(m.Kind),
		CreatedAt:  m.CreatedAt,
		EditedAt:   m.EditedAt,
		DeletedAt:  m.DeletedAt,
		Reactions:  m.Reactions,
	}
}

func fromDoc(d *messageDoc) *wire.ChatMessage {
	return &wire.ChatMessage{
		ID:         d.ID,
		RoomID:     d.RoomID,
		SenderID:   d.SenderID,
		SenderName: d.SenderName,
		Content:    d.Content,
		Kind:       wire.MessageKind(d.Kind),
		CreatedAt:  d.CreatedAt,
		EditedAt:   d.EditedAt,
		DeletedAt:  d.DeletedAt,
		Reactions:  d.Reactions,
	}
}

func (h *MongoHistory) SaveMessage(ctx context.Context, msg *wire.ChatMessage) error {
	_, err := h.coll.InsertOne(ctx, toDoc(msg))
	return errors.Wrap(err, "save message")
}

func (h *MongoHistory) GetMessage(ctx context.Context, roomID string, id int64) (*wire.ChatMessage, error) {
	var d messageDoc
	err := h.coll.FindOne(ctx, bson.M{"room_id": roomID, "id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Errorf("message %d not found in room %s", id, roomID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return fromDoc(&d), nil
}

func (h *MongoHistory) EditMessage(ctx context.Context, roomID string, id int64, content string, editedAt time.Time) error {
	_, err := h.coll.UpdateOne(ctx,
		bson.M{"room_id": roomID, "id": id},
		bson.M{"$set": bson.M{"content": content, "edited_at": editedAt}})
	return errors.Wrap(err, "edit message")
}

func (h *MongoHistory) DeleteMessage(ctx context.Context, roomID string, id int64, deletedAt time.Time) error {
	_, err := h.coll.UpdateOne(ctx,
		bson.M{"room_id": roomID, "id": id},
		bson.M{"$set": bson.M{"deleted_at": deletedAt}})
	return errors.Wrap(err, "delete message")
}

func (h *MongoHistory) AddReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error {
	_, err := h.coll.UpdateOne(ctx,
		bson.M{"room_id": roomID, "id": id},
		bson.M{"$addToSet": bson.M{"reactions." + emoji: userID}})
	return errors.Wrap(err, "add reaction")
}

func (h *MongoHistory) RemoveReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error {
	_, err := h.coll.UpdateOne(ctx,
		bson.M{"room_id": roomID, "id": id},
		bson.M{"$pull": bson.M{"reactions." + emoji: userID}})
	return errors.Wrap(err, "remove reaction")
}

// LoadRoomHistory returns the most recent limit messages in ascending id
// order, soft-deleted rows included.
func (h *MongoHistory) LoadRoomHistory(ctx context.Context, roomID string, limit int64) ([]*wire.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: -1}}).SetLimit(limit)
	cur, err := h.coll.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	out := make([]*wire.ChatMessage, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, fromDoc(&docs[i]))
	}
	return out, nil
}
