// Package client implements the real-time messaging transport: one logical
// connection to a chatwire gateway with reconnection, an outbound intent
// queue, a room membership registry, and a typed event dispatcher.
//
// A Client is constructed explicitly and owned by the application's
// composition root; there is no package-level instance.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pplabs/chatwire/tools/errs"
	"github.com/pplabs/chatwire/wire"
)

type Client struct {
	opts Options

	mu             sync.Mutex
	state          State
	token          string
	transport      Transport
	connID         string
	gen            uint64 // connection generation; stale read loops are ignored
	attempt        int
	reconnectTimer *time.Timer

	rooms *roomRegistry
	queue *outboundQueue
	disp  *Dispatcher

	ackMu    sync.Mutex
	acks     map[string]string                  // pending join ack id -> room id
	roomAcks map[string][]chan *wire.AckPayload // join acks by room id

	ordMu    sync.Mutex
	lastSeen map[string]int64 // room id -> last dispatched message id

	// wmu serializes frame writes so queue replay finishes before any
	// intent issued after reconnect goes out.
	wmu sync.Mutex
}

func New(opts Options) *Client {
	opts.norm()
	return &Client{
		opts:     opts,
		state:    StateDisconnected,
		rooms:    newRoomRegistry(),
		queue:    newOutboundQueue(),
		disp:     NewDispatcher(),
		acks:     make(map[string]string),
		roomAcks: make(map[string][]chan *wire.AckPayload),
		lastSeen: make(map[string]int64),
	}
}

// On registers a handler for one event kind. Handlers run synchronously in
// registration order; a panicking handler is isolated and logged.
func (c *Client) On(kind wire.EventKind, h Handler) Subscription { return c.disp.On(kind, h) }

// Off removes a previously registered handler.
func (c *Client) Off(sub Subscription) { c.disp.Off(sub) }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the session. It suspends until the handshake
// completes, fails, or the dial timeout expires. An authentication
// rejection moves the client to StateFailed and is never retried
// automatically.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		return errs.ErrAuthentication.WithDetail("empty credential")
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return errs.ErrConnection.WithDetail("connect already in progress")
	}
	c.state = StateConnecting
	c.token = token
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	t := c.opts.Transport()
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	established, err := t.Dial(dialCtx, c.opts.ServerURL, token)
	if err != nil {
		ce := errs.CodeOf(err)
		isAuth := ce != nil && ce.Code == errs.CodeAuthentication

		c.mu.Lock()
		if c.gen == gen {
			if isAuth {
				c.state = StateFailed
			} else {
				c.state = StateDisconnected
			}
		}
		c.mu.Unlock()

		if dialCtx.Err() != nil && !isAuth {
			err = errs.WrapCode(errs.ErrConnectTimeout, err)
		}
		c.dispatchConnError(err)
		return err
	}

	c.onConnected(gen, t, established)
	return nil
}

// Disconnect tears the session down from any state and cancels any pending
// reconnect. Intentional, so it never triggers reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++
	t := c.transport
	c.transport = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if wasConnected {
		c.disp.Dispatch(wire.Event{
			Kind:    wire.KindConnectionClosed,
			Payload: &wire.ConnClosed{Reason: "client disconnect"},
		})
	}
}

// Join subscribes to a room's event stream. Idempotent: joining an already
// joined room never duplicates the membership. While connected it suspends
// until the server acks or the ack timeout expires; a timeout removes the
// membership so no phantom entry survives. While disconnected the join is
// queued and the pending membership returns immediately.
func (c *Client) Join(ctx context.Context, roomID string) (*Membership, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	t := c.transport
	c.mu.Unlock()

	m, existed := c.rooms.add(roomID)

	if !connected {
		if !existed {
			f := wire.MustFrame(wire.KindConversationJoin, &wire.JoinPayload{RoomID: roomID})
			f.AckID = uuid.NewString()
			c.registerJoinAck(f.AckID, roomID)
			c.queue.enqueue(wire.KindConversationJoin, f)
		}
		return m, nil
	}

	if existed && m.Acknowledged {
		return m, nil
	}

	ch := make(chan *wire.AckPayload, 1)
	c.addRoomWaiter(roomID, ch)

	if !existed {
		f := wire.MustFrame(wire.KindConversationJoin, &wire.JoinPayload{RoomID: roomID})
		f.AckID = uuid.NewString()
		c.registerJoinAck(f.AckID, roomID)
		if err := c.write(t, f); err != nil {
			// Transport died under us; keep the membership pending and let
			// the supervisor's re-join cover it.
			c.queue.enqueue(wire.KindConversationJoin, f)
			return m, nil
		}
	}

	select {
	case pay := <-ch:
		if pay.Success {
			return m, nil
		}
		c.rooms.remove(roomID)
		return nil, errs.ErrConnection.WithDetail("join rejected: " + pay.Error)
	case <-time.After(c.opts.AckTimeout):
		c.rooms.remove(roomID)
		return nil, errs.ErrAckTimeout.WithDetail("join " + roomID)
	case <-ctx.Done():
		c.rooms.remove(roomID)
		return nil, errs.WrapCode(errs.ErrAckTimeout, ctx.Err())
	}
}

// Leave drops the room membership. A leave for a room that was never joined
// is a no-op. Fire-and-forget: queued while disconnected, not awaited.
func (c *Client) Leave(roomID string) error {
	if !c.rooms.remove(roomID) {
		return nil
	}
	f := wire.MustFrame(wire.KindConversationLeave, &wire.LeavePayload{RoomID: roomID})
	f.AckID = uuid.NewString()
	return c.emit(wire.KindConversationLeave, f, true)
}

// SendMessage sends chat content. Deliberately not queued while offline:
// the send fails with ErrNotConnected instead of being silently lost.
func (c *Client) SendMessage(roomID, content string, kind wire.MessageKind) error {
	if kind == "" {
		kind = wire.MessageText
	}
	f := wire.MustFrame(wire.KindMessageSend, &wire.SendMessagePayload{
		RoomID: roomID, Content: content, Kind: kind,
	})
	return c.emit(wire.KindMessageSend, f, false)
}

// EditMessage rewrites a message's content. Sender-only, enforced server
// side; the server broadcasts message:edited on success.
func (c *Client) EditMessage(roomID string, messageID int64, content string) error {
	f := wire.MustFrame(wire.KindMessageEdit, &wire.EditMessagePayload{
		RoomID: roomID, MessageID: messageID, Content: content,
	})
	return c.emit(wire.KindMessageEdit, f, false)
}

// DeleteMessage soft-deletes a message. Sender-only, enforced server side.
func (c *Client) DeleteMessage(roomID string, messageID int64) error {
	f := wire.MustFrame(wire.KindMessageDelete, &wire.DeleteMessagePayload{
		RoomID: roomID, MessageID: messageID,
	})
	return c.emit(wire.KindMessageDelete, f, false)
}

// MarkRead records the read cursor up to messageID, or to the latest when
// messageID is zero. Queued while disconnected.
func (c *Client) MarkRead(roomID string, messageID int64) error {
	f := wire.MustFrame(wire.KindReadMark, &wire.ReadMarkPayload{
		RoomID: roomID, MessageID: messageID,
	})
	return c.emit(wire.KindReadMark, f, true)
}

// AddReaction attaches an emoji reaction. Queued while disconnected.
func (c *Client) AddReaction(roomID string, messageID int64, emoji string) error {
	f := wire.MustFrame(wire.KindReactionAdd, &wire.ReactionPayload{
		RoomID: roomID, MessageID: messageID, Emoji: emoji,
	})
	return c.emit(wire.KindReactionAdd, f, true)
}

// RemoveReaction removes an emoji reaction. Queued while disconnected.
func (c *Client) RemoveReaction(roomID string, messageID int64, emoji string) error {
	f := wire.MustFrame(wire.KindReactionRemove, &wire.ReactionPayload{
		RoomID: roomID, MessageID: messageID, Emoji: emoji,
	})
	return c.emit(wire.KindReactionRemove, f, true)
}

// StartTyping emits an advisory typing signal. Never queued: a typing
// indicator delivered late is worse than none.
func (c *Client) StartTyping(roomID string) {
	f := wire.MustFrame(wire.KindTypingStart, &wire.TypingEvent{RoomID: roomID})
	_ = c.emit(wire.KindTypingStart, f, false)
}

// StopTyping emits the matching stop signal. Never queued.
func (c *Client) StopTyping(roomID string) {
	f := wire.MustFrame(wire.KindTypingStop, &wire.TypingEvent{RoomID: roomID})
	_ = c.emit(wire.KindTypingStop, f, false)
}

// Rooms returns the current memberships.
func (c *Client) Rooms() []*Membership { return c.rooms.list() }

// DebugState is an opt-in snapshot for diagnostics.
type DebugState struct {
	State            State
	ConnID           string
	ReconnectAttempt int
	QueuedIntents    int
	Rooms            []*Membership
}

// Debug returns a point-in-time snapshot of the connection internals.
func (c *Client) Debug() DebugState {
	c.mu.Lock()
	d := DebugState{State: c.state, ConnID: c.connID, ReconnectAttempt: c.attempt}
	c.mu.Unlock()
	d.QueuedIntents = c.queue.len()
	d.Rooms = c.rooms.list()
	return d
}

// emit transmits f now when connected, otherwise queues it when queueable
// or reports ErrNotConnected.
func (c *Client) emit(kind wire.EventKind, f *wire.Frame, queueable bool) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	t := c.transport
	c.mu.Unlock()

	if connected {
		if err := c.write(t, f); err == nil {
			return nil
		} else if queueable {
			// The read loop will notice the closure; keep the intent.
			c.queue.enqueue(kind, f)
			return nil
		} else {
			return errs.WrapCode(errs.ErrConnection, err)
		}
	}

	if queueable {
		c.queue.enqueue(kind, f)
		return nil
	}
	return errs.ErrNotConnected
}

func (c *Client) write(t Transport, f *wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return t.Write(f)
}

func (c *Client) addRoomWaiter(roomID string, ch chan *wire.AckPayload) {
	c.ackMu.Lock()
	c.roomAcks[roomID] = append(c.roomAcks[roomID], ch)
	c.ackMu.Unlock()
}

// registerJoinAck records a join frame's ack id so the inbound ack can be
// classified. Only correlated join acks resolve room waiters; a leave ack
// carrying the same room must not.
func (c *Client) registerJoinAck(ackID, roomID string) {
	c.ackMu.Lock()
	c.acks[ackID] = roomID
	c.ackMu.Unlock()
}

func (c *Client) dispatchConnError(err error) {
	c.disp.Dispatch(wire.Event{
		Kind:    wire.KindConnectionError,
		Payload: &wire.ConnError{Error: err.Error()},
	})
}
