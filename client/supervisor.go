package client

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/tools/errs"
	"github.com/pplabs/chatwire/tools/safe"
	"github.com/pplabs/chatwire/wire"
)

// The supervisor owns every state transition after the initial dial:
// read-loop exits, backoff scheduling, re-auth, queue replay, and room
// re-join. Synthetic transports drive the same paths in tests.

func (c *Client) onConnected(gen uint64, t Transport, established *wire.Frame) {
	c.mu.Lock()
	if gen != c.gen {
		// A Disconnect or newer connect won the race.
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.transport = t
	c.attempt = 0
	c.mu.Unlock()

	ev, decErr := wire.DecodeEvent(established)
	if decErr == nil {
		if ce, ok := ev.Payload.(*wire.ConnEstablished); ok {
			c.mu.Lock()
			c.connID = ce.ConnID
			c.mu.Unlock()
		}
	}

	// The state flips to Connected with wmu already held: anything issued
	// from here on, including by connection:established handlers, lines up
	// behind the queue replay instead of overtaking it.
	c.wmu.Lock()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.wmu.Unlock()
		_ = t.Close()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.flushAndRejoin(t)
	c.wmu.Unlock()

	safe.SafeGo(func() { c.readLoop(gen, t) })

	if decErr == nil {
		c.disp.Dispatch(ev)
	}
}

func (c *Client) readLoop(gen uint64, t Transport) {
	for {
		f, err := t.Read()
		if err != nil {
			c.onTransportClosed(gen, err)
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) onTransportClosed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		// Stale loop, or an explicit Disconnect already handled it.
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.transport = nil
	c.state = StateReconnecting
	c.attempt = 0
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	logger.Infof("[client] transport closed, reconnecting: %v", cause)
	c.disp.Dispatch(wire.Event{
		Kind:    wire.KindConnectionClosed,
		Payload: &wire.ConnClosed{Reason: cause.Error()},
	})

	c.scheduleReconnect(1)
}

func (c *Client) scheduleReconnect(attempt int) {
	delay := c.opts.Backoff.delay(attempt)
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectAttempt)
	c.mu.Unlock()
}

func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.attempt++
	c.gen++
	gen := c.gen
	attempt := c.attempt
	token := c.token
	c.mu.Unlock()

	t := c.opts.Transport()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	established, err := t.Dial(ctx, c.opts.ServerURL, token)
	cancel()

	if err == nil {
		logger.Infof("[client] reconnected after %d attempt(s)", attempt)
		c.onConnected(gen, t, established)
		return
	}

	ce := errs.CodeOf(err)
	if ce != nil && ce.Code == errs.CodeAuthentication {
		// Retrying a rejected credential just burns server quota.
		c.mu.Lock()
		if gen == c.gen {
			c.state = StateFailed
		}
		c.mu.Unlock()
		c.dispatchConnError(err)
		return
	}

	if attempt >= c.opts.Backoff.MaxAttempts {
		logger.Errorf("[client] giving up after %d reconnect attempts: %v", attempt, err)
		c.mu.Lock()
		if gen == c.gen {
			c.state = StateFailed
		}
		c.mu.Unlock()
		c.dispatchConnError(errs.ErrConnection.WithDetail("max reconnect attempts exceeded"))
		return
	}

	logger.Debugf("[client] reconnect attempt %d failed: %v", attempt, err)
	c.dispatchConnError(err)
	c.scheduleReconnect(attempt + 1)
}

// flushAndRejoin replays the outbound queue in sequence order and re-issues
// joins for every registered room, resetting acknowledged flags until the
// server re-confirms on this connection. The caller holds wmu.
func (c *Client) flushAndRejoin(t Transport) {
	c.rooms.resetAcks()

	items := c.queue.snapshot()
	queuedJoins := make(map[string]bool)
	for _, it := range items {
		if err := t.Write(it.frame); err != nil {
			// Connection died mid-replay; everything still queued survives
			// for the next cycle.
			logger.Warnf("[client] replay write failed at seq=%d: %v", it.seq, err)
			break
		}
		if it.kind == wire.KindConversationJoin {
			if p, derr := decodeJoin(it.frame); derr == nil {
				queuedJoins[p.RoomID] = true
				c.watchJoinAck(p.RoomID)
			}
		}
		if !ackRequired(it.kind) {
			c.queue.remove(it.seq)
		}
	}

	for _, m := range c.rooms.list() {
		if queuedJoins[m.RoomID] {
			continue
		}
		f := wire.MustFrame(wire.KindConversationJoin, &wire.JoinPayload{RoomID: m.RoomID})
		f.AckID = uuid.NewString()
		c.registerJoinAck(f.AckID, m.RoomID)
		if err := t.Write(f); err != nil {
			logger.Warnf("[client] re-join write failed room=%s: %v", m.RoomID, err)
			break
		}
		c.watchJoinAck(m.RoomID)
	}
}

// watchJoinAck enforces the join acknowledgment contract for joins the
// supervisor re-issued: no ack within the timeout removes the membership
// and surfaces the failure as a connection:error event.
func (c *Client) watchJoinAck(roomID string) {
	ch := make(chan *wire.AckPayload, 1)
	c.addRoomWaiter(roomID, ch)
	timeout := c.opts.AckTimeout

	safe.SafeGo(func() {
		select {
		case pay := <-ch:
			if !pay.Success {
				c.rooms.remove(roomID)
				c.dispatchConnError(errs.ErrConnection.WithDetail("join rejected room=" + roomID + ": " + pay.Error))
			}
		case <-time.After(timeout):
			c.mu.Lock()
			reconnecting := c.state != StateConnected
			c.mu.Unlock()
			if reconnecting {
				// The connection dropped again before the ack could arrive;
				// the membership stays pending for the next replay.
				return
			}
			if m, ok := c.rooms.get(roomID); ok && !m.Acknowledged {
				c.rooms.remove(roomID)
				c.dispatchConnError(errs.ErrAckTimeout.WithDetail("join " + roomID))
			}
		}
	})
}

// handleFrame routes one inbound frame: acks resolve waiting requests,
// everything else is decoded, order-filtered, and dispatched.
func (c *Client) handleFrame(f *wire.Frame) {
	kind := f.Kind()
	switch kind {
	case wire.KindUnknown:
		logger.Debugf("[client] skipping unknown event %q", f.Event)
		return
	case wire.KindAck:
		c.handleAck(f)
		return
	}

	ev, err := wire.DecodeEvent(f)
	if err != nil {
		logger.Warnf("[client] bad payload for %s: %v", f.Event, err)
		return
	}

	if kind == wire.KindMessageNew {
		msg, ok := ev.Payload.(*wire.ChatMessage)
		if !ok {
			return
		}
		c.ordMu.Lock()
		last := c.lastSeen[msg.RoomID]
		if msg.ID <= last {
			// Duplicate or stale redelivery; at-least-once makes these
			// possible and the application contract is non-decreasing ids.
			c.ordMu.Unlock()
			return
		}
		c.lastSeen[msg.RoomID] = msg.ID
		c.ordMu.Unlock()
	}

	c.disp.Dispatch(ev)
}

func (c *Client) handleAck(f *wire.Frame) {
	ev, err := wire.DecodeEvent(f)
	if err != nil {
		logger.Warnf("[client] bad ack payload: %v", err)
		return
	}
	pay, ok := ev.Payload.(*wire.AckPayload)
	if !ok {
		return
	}

	// An ack removes its intent from the queue; at-least-once delivery is
	// done for this one.
	if f.AckID != "" {
		c.queue.removeByAckID(f.AckID)
	}

	// Only an ack correlated to an outstanding join resolves room waiters.
	// Leave acks carry room info too and must not release a pending Join.
	c.ackMu.Lock()
	roomID, isJoin := c.acks[f.AckID]
	var waiters []chan *wire.AckPayload
	if isJoin {
		delete(c.acks, f.AckID)
		waiters = c.roomAcks[roomID]
		delete(c.roomAcks, roomID)
	}
	c.ackMu.Unlock()
	if !isJoin {
		return
	}

	if pay.Success {
		c.rooms.acknowledge(roomID)
	}
	for _, ch := range waiters {
		select {
		case ch <- pay:
		default:
		}
	}
}

func decodeJoin(f *wire.Frame) (*wire.JoinPayload, error) {
	ev, err := wire.DecodeEvent(f)
	if err != nil {
		return nil, err
	}
	if p, ok := ev.Payload.(*wire.JoinPayload); ok {
		return p, nil
	}
	return nil, errs.ErrConnection.WithDetail("not a join frame")
}
