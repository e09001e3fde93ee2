package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/wire"
)

// RoomRouter multiplexes authenticated connections into room subscriptions
// and relays events only to connections currently subscribed. Broadcasts go
// through the fanout when one is configured, so nodes sharing NATS see the
// same stream; otherwise delivery is direct to local subscribers.
type RoomRouter struct {
	gatewayID   string
	presenceTTL time.Duration

	mgr    *ConnManager
	seq    Sequencer
	pres   PresenceStore
	hist   HistoryStore
	fanout Fanout // nil for single-node

	mu           sync.RWMutex
	subs         map[string]map[string]*Conn  // room -> conn id -> conn
	participants map[string]map[string]string // room -> user id -> user name
	archived     map[string]bool
	sendLocks    map[string]*sync.Mutex // room -> send serialization
}

type RouterConf struct {
	GatewayID   string
	PresenceTTL time.Duration
}

func (c *RouterConf) norm() {
	if c.GatewayID == "" {
		c.GatewayID = "gw-1"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 60 * time.Second
	}
}

func NewRoomRouter(cfg RouterConf, mgr *ConnManager, seq Sequencer, pres PresenceStore, hist HistoryStore) *RoomRouter {
	cfg.norm()
	return &RoomRouter{
		gatewayID:    cfg.GatewayID,
		presenceTTL:  cfg.PresenceTTL,
		mgr:          mgr,
		seq:          seq,
		pres:         pres,
		hist:         hist,
		subs:         make(map[string]map[string]*Conn),
		participants: make(map[string]map[string]string),
		archived:     make(map[string]bool),
		sendLocks:    make(map[string]*sync.Mutex),
	}
}

// SetFanout installs the inter-node relay. Must be called before serving.
func (r *RoomRouter) SetFanout(f Fanout) { r.fanout = f }

// HandleFanout is the Fanout delivery callback: roomID empty means a
// gateway-wide presence event.
func (r *RoomRouter) HandleFanout(roomID string, data []byte) {
	if roomID == "" {
		for _, c := range r.mgr.All() {
			r.push(c, data)
		}
		return
	}
	r.deliverRoomLocal(roomID, data)
}

// ConnOpened registers the conn and flips presence on the user's first.
func (r *RoomRouter) ConnOpened(ctx context.Context, c *Conn) {
	first := r.mgr.Add(c)
	if !first {
		return
	}
	if err := r.pres.Online(ctx, c.UserID, r.gatewayID, r.presenceTTL); err != nil {
		logger.Warnf("[router] presence online user=%s: %v", c.UserID, err)
	}
	r.broadcastPresence(wire.KindUserOnline, &wire.PresenceEvent{
		UserID: c.UserID, UserName: c.UserName,
	})
}

// ConnClosed drops every subscription held by the conn and flips presence
// off on the user's last.
func (r *RoomRouter) ConnClosed(ctx context.Context, c *Conn) {
	r.mu.Lock()
	for roomID, conns := range r.subs {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.subs, roomID)
		}
	}
	r.mu.Unlock()

	last := r.mgr.Remove(c)
	c.close()
	if !last {
		return
	}
	if err := r.pres.Offline(ctx, c.UserID); err != nil {
		logger.Warnf("[router] presence offline user=%s: %v", c.UserID, err)
	}
	r.broadcastPresence(wire.KindUserOffline, &wire.PresenceEvent{UserID: c.UserID})
}

// HandleFrame routes one inbound client frame.
func (r *RoomRouter) HandleFrame(ctx context.Context, c *Conn, f *wire.Frame) error {
	ev, err := wire.DecodeEvent(f)
	if err != nil {
		return err
	}

	switch p := ev.Payload.(type) {
	case *wire.JoinPayload:
		r.handleJoin(c, f.AckID, p.RoomID)
	case *wire.LeavePayload:
		r.handleLeave(c, f.AckID, p.RoomID)
	case *wire.SendMessagePayload:
		return r.handleSend(ctx, c, p)
	case *wire.EditMessagePayload:
		return r.handleEdit(ctx, c, p)
	case *wire.DeleteMessagePayload:
		return r.handleDelete(ctx, c, p)
	case *wire.TypingEvent:
		r.handleTyping(c, ev.Kind, p.RoomID)
	case *wire.ReadMarkPayload:
		return r.handleMarkRead(ctx, c, p)
	case *wire.ReactionPayload:
		return r.handleReaction(ctx, c, ev.Kind, p)
	default:
		logger.Debugf("[router] ignoring %s from conn=%s", f.Event, c.ID)
	}
	return nil
}

func (r *RoomRouter) handleJoin(c *Conn, ackID, roomID string) {
	if roomID == "" {
		r.ack(c, ackID, &wire.AckPayload{Success: false, Error: "empty room id"})
		return
	}

	r.mu.Lock()
	if r.archived[roomID] {
		r.mu.Unlock()
		r.ack(c, ackID, &wire.AckPayload{
			Success: false,
			Room:    &wire.RoomInfo{RoomID: roomID, Archived: true},
			Error:   "room archived",
		})
		return
	}
	conns, ok := r.subs[roomID]
	if !ok {
		conns = make(map[string]*Conn)
		r.subs[roomID] = conns
	}
	conns[c.ID] = c

	users, ok := r.participants[roomID]
	if !ok {
		users = make(map[string]string)
		r.participants[roomID] = users
	}
	_, known := users[c.UserID]
	users[c.UserID] = c.UserName
	members := make([]string, 0, len(users))
	for u := range users {
		members = append(members, u)
	}
	r.mu.Unlock()

	r.ack(c, ackID, &wire.AckPayload{
		Success: true,
		Room:    &wire.RoomInfo{RoomID: roomID, Members: members},
	})

	if !known {
		r.broadcastRoom(roomID, wire.MustFrame(wire.KindParticipantAdded, &wire.ParticipantEvent{
			RoomID: roomID, UserID: c.UserID, UserName: c.UserName,
		}))
	}
}

func (r *RoomRouter) handleLeave(c *Conn, ackID, roomID string) {
	r.mu.Lock()
	if conns, ok := r.subs[roomID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.subs, roomID)
		}
	}
	// The participant entry goes once no other conn of this user remains.
	userGone := true
	for _, other := range r.subs[roomID] {
		if other.UserID == c.UserID {
			userGone = false
			break
		}
	}
	if userGone {
		if users, ok := r.participants[roomID]; ok {
			delete(users, c.UserID)
		}
	}
	r.mu.Unlock()

	r.ack(c, ackID, &wire.AckPayload{
		Success: true,
		Room:    &wire.RoomInfo{RoomID: roomID},
	})

	if userGone {
		r.broadcastRoom(roomID, wire.MustFrame(wire.KindParticipantRemoved, &wire.ParticipantEvent{
			RoomID: roomID, UserID: c.UserID,
		}))
	}
}

func (r *RoomRouter) handleSend(ctx context.Context, c *Conn, p *wire.SendMessagePayload) error {
	if !r.subscribed(p.RoomID, c.ID) {
		return errors.Errorf("conn %s not subscribed to room %s", c.ID, p.RoomID)
	}
	kind := p.Kind
	if kind == "" {
		kind = wire.MessageText
	}

	// Allocate, persist, and broadcast as one unit per room, so ids reach
	// subscribers in the order they were assigned.
	lock := r.sendLock(p.RoomID)
	lock.Lock()
	defer lock.Unlock()

	id, err := r.seq.NextMessageID(ctx, p.RoomID)
	if err != nil {
		return errors.Wrap(err, "allocate message id")
	}
	msg := &wire.ChatMessage{
		ID:         id,
		RoomID:     p.RoomID,
		SenderID:   c.UserID,
		SenderName: c.UserName,
		Content:    p.Content,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.hist.SaveMessage(ctx, msg); err != nil {
		return err
	}

	// The sender learns its message id from the same broadcast everyone
	// else gets; there is no direct send ack.
	r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindMessageNew, msg))
	return nil
}

func (r *RoomRouter) handleEdit(ctx context.Context, c *Conn, p *wire.EditMessagePayload) error {
	msg, err := r.hist.GetMessage(ctx, p.RoomID, p.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != c.UserID {
		return errors.Errorf("user %s cannot edit message %d owned by %s", c.UserID, p.MessageID, msg.SenderID)
	}
	editedAt := time.Now().UTC()
	if err := r.hist.EditMessage(ctx, p.RoomID, p.MessageID, p.Content, editedAt); err != nil {
		return err
	}
	r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindMessageEdited, &wire.MessageEdited{
		RoomID: p.RoomID, MessageID: p.MessageID, Content: p.Content, EditedAt: editedAt,
	}))
	return nil
}

func (r *RoomRouter) handleDelete(ctx context.Context, c *Conn, p *wire.DeleteMessagePayload) error {
	msg, err := r.hist.GetMessage(ctx, p.RoomID, p.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != c.UserID {
		return errors.Errorf("user %s cannot delete message %d owned by %s", c.UserID, p.MessageID, msg.SenderID)
	}
	deletedAt := time.Now().UTC()
	if err := r.hist.DeleteMessage(ctx, p.RoomID, p.MessageID, deletedAt); err != nil {
		return err
	}
	r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindMessageDeleted, &wire.MessageDeleted{
		RoomID: p.RoomID, MessageID: p.MessageID, DeletedAt: deletedAt,
	}))
	return nil
}

func (r *RoomRouter) handleTyping(c *Conn, kind wire.EventKind, roomID string) {
	if !r.subscribed(roomID, c.ID) {
		return
	}
	// Advisory; relayed, never persisted.
	r.broadcastRoom(roomID, wire.MustFrame(kind, &wire.TypingEvent{
		RoomID: roomID, UserID: c.UserID, UserName: c.UserName,
	}))
}

func (r *RoomRouter) handleMarkRead(ctx context.Context, c *Conn, p *wire.ReadMarkPayload) error {
	messageID := p.MessageID
	if messageID == 0 {
		// Mark up to the latest message in the room.
		latest, err := r.hist.LoadRoomHistory(ctx, p.RoomID, 1)
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			return nil
		}
		messageID = latest[0].ID
	}
	readAt := time.Now().UTC()
	if err := r.pres.MarkRead(ctx, p.RoomID, c.UserID, messageID, readAt); err != nil {
		return err
	}
	r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindReadReceipt, &wire.ReadReceipt{
		RoomID: p.RoomID, UserID: c.UserID, MessageID: messageID, ReadAt: readAt,
	}))
	return nil
}

func (r *RoomRouter) handleReaction(ctx context.Context, c *Conn, kind wire.EventKind, p *wire.ReactionPayload) error {
	if _, err := r.hist.GetMessage(ctx, p.RoomID, p.MessageID); err != nil {
		return err
	}
	if kind == wire.KindReactionAdd {
		if err := r.hist.AddReaction(ctx, p.RoomID, p.MessageID, p.Emoji, c.UserID); err != nil {
			return err
		}
		r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindReactionAdded, &wire.ReactionEvent{
			RoomID: p.RoomID, MessageID: p.MessageID, UserID: c.UserID,
			UserName: c.UserName, Emoji: p.Emoji,
		}))
		return nil
	}
	if err := r.hist.RemoveReaction(ctx, p.RoomID, p.MessageID, p.Emoji, c.UserID); err != nil {
		return err
	}
	r.broadcastRoom(p.RoomID, wire.MustFrame(wire.KindReactionRemoved, &wire.ReactionEvent{
		RoomID: p.RoomID, MessageID: p.MessageID, UserID: c.UserID, Emoji: p.Emoji,
	}))
	return nil
}

// —— admin operations ——

// Archive marks the room closed to new joins and notifies members.
func (r *RoomRouter) Archive(roomID string) {
	r.mu.Lock()
	r.archived[roomID] = true
	r.mu.Unlock()
	r.broadcastRoom(roomID, wire.MustFrame(wire.KindConversationArchived, &wire.RoomEvent{RoomID: roomID}))
}

// AddParticipant records a member added out-of-band (admin surface).
func (r *RoomRouter) AddParticipant(roomID, userID, userName string) {
	r.mu.Lock()
	users, ok := r.participants[roomID]
	if !ok {
		users = make(map[string]string)
		r.participants[roomID] = users
	}
	users[userID] = userName
	r.mu.Unlock()
	r.broadcastRoom(roomID, wire.MustFrame(wire.KindParticipantAdded, &wire.ParticipantEvent{
		RoomID: roomID, UserID: userID, UserName: userName,
	}))
}

// RemoveParticipant evicts a member and their room subscriptions.
func (r *RoomRouter) RemoveParticipant(roomID, userID string) {
	r.mu.Lock()
	if users, ok := r.participants[roomID]; ok {
		delete(users, userID)
	}
	if conns, ok := r.subs[roomID]; ok {
		for id, c := range conns {
			if c.UserID == userID {
				delete(conns, id)
			}
		}
	}
	r.mu.Unlock()
	r.broadcastRoom(roomID, wire.MustFrame(wire.KindParticipantRemoved, &wire.ParticipantEvent{
		RoomID: roomID, UserID: userID,
	}))
}

// History exposes room history for the REST surface.
func (r *RoomRouter) History(ctx context.Context, roomID string, limit int64) ([]*wire.ChatMessage, error) {
	return r.hist.LoadRoomHistory(ctx, roomID, limit)
}

// —— delivery ——

func (r *RoomRouter) sendLock(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.sendLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		r.sendLocks[roomID] = l
	}
	return l
}

func (r *RoomRouter) subscribed(roomID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[roomID][connID]
	return ok
}

func (r *RoomRouter) ack(c *Conn, ackID string, pay *wire.AckPayload) {
	f := wire.MustFrame(wire.KindAck, pay)
	f.AckID = ackID
	data, err := f.Encode()
	if err != nil {
		return
	}
	r.push(c, data)
}

func (r *RoomRouter) broadcastRoom(roomID string, f *wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		logger.Errorf("[router] encode broadcast: %v", err)
		return
	}
	if r.fanout != nil {
		if err := r.fanout.PublishRoom(roomID, data); err != nil {
			logger.Errorf("[router] fanout publish room=%s: %v", roomID, err)
		}
		return
	}
	r.deliverRoomLocal(roomID, data)
}

func (r *RoomRouter) broadcastPresence(kind wire.EventKind, p *wire.PresenceEvent) {
	data, err := wire.MustFrame(kind, p).Encode()
	if err != nil {
		return
	}
	if r.fanout != nil {
		if err := r.fanout.PublishPresence(data); err != nil {
			logger.Errorf("[router] fanout publish presence: %v", err)
		}
		return
	}
	for _, c := range r.mgr.All() {
		r.push(c, data)
	}
}

func (r *RoomRouter) deliverRoomLocal(roomID string, data []byte) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.subs[roomID]))
	for _, c := range r.subs[roomID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.push(c, data)
	}
}

// push enqueues for delivery, dropping the conn when its queue is full.
func (r *RoomRouter) push(c *Conn, data []byte) {
	if !c.Push(data) {
		logger.Warnf("[router] send queue full, dropping conn=%s user=%s", c.ID, c.UserID)
		r.ConnClosed(context.Background(), c)
	}
}
