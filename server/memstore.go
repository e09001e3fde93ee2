package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/wire"
)

// MemStore is the in-process HistoryStore + PresenceStore + Sequencer.
// Single-node development and tests run on it; production uses redis+mongo.
type MemStore struct {
	mu       sync.Mutex
	seq      map[string]int64
	msgs     map[string]map[int64]*wire.ChatMessage // room -> id -> msg
	presence map[string]string                      // user -> gateway
	cursors  map[string]int64                       // room:user -> message id
}

func NewMemStore() *MemStore {
	return &MemStore{
		seq:      make(map[string]int64),
		msgs:     make(map[string]map[int64]*wire.ChatMessage),
		presence: make(map[string]string),
		cursors:  make(map[string]int64),
	}
}

func (s *MemStore) NextMessageID(ctx context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[roomID]++
	return s.seq[roomID], nil
}

func (s *MemStore) Online(ctx context.Context, userID, gatewayID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = gatewayID
	return nil
}

func (s *MemStore) Offline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, userID)
	return nil
}

func (s *MemStore) Lookup(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gw, ok := s.presence[userID]
	return gw, ok, nil
}

func (s *MemStore) MarkRead(ctx context.Context, roomID, userID string, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[roomID+":"+userID] = messageID
	return nil
}

func (s *MemStore) ReadCursor(ctx context.Context, roomID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[roomID+":"+userID], nil
}

func (s *MemStore) SaveMessage(ctx context.Context, msg *wire.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.msgs[msg.RoomID]
	if !ok {
		room = make(map[int64]*wire.ChatMessage)
		s.msgs[msg.RoomID] = room
	}
	if _, dup := room[msg.ID]; dup {
		return errors.Errorf("duplicate message id %d in room %s", msg.ID, msg.RoomID)
	}
	cp := *msg
	room[msg.ID] = &cp
	return nil
}

func (s *MemStore) GetMessage(ctx context.Context, roomID string, id int64) (*wire.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[roomID][id]
	if !ok {
		return nil, errors.Errorf("message %d not found in room %s", id, roomID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) EditMessage(ctx context.Context, roomID string, id int64, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[roomID][id]
	if !ok {
		return errors.Errorf("message %d not found in room %s", id, roomID)
	}
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (s *MemStore) DeleteMessage(ctx context.Context, roomID string, id int64, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[roomID][id]
	if !ok {
		return errors.Errorf("message %d not found in room %s", id, roomID)
	}
	m.DeletedAt = &deletedAt
	return nil
}

func (s *MemStore) AddReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[roomID][id]
	if !ok {
		return errors.Errorf("message %d not found in room %s", id, roomID)
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return nil
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return nil
}

func (s *MemStore) RemoveReaction(ctx context.Context, roomID string, id int64, emoji, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[roomID][id]
	if !ok {
		return errors.Errorf("message %d not found in room %s", id, roomID)
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			m.Reactions[emoji] = append(users[:i], users[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) LoadRoomHistory(ctx context.Context, roomID string, limit int64) ([]*wire.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	room := s.msgs[roomID]
	out := make([]*wire.ChatMessage, 0, len(room))
	for _, m := range room {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}
