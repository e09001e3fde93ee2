package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pplabs/chatwire/tools/errs"
	"github.com/pplabs/chatwire/wire"
)

func testOptions(s *transportScript) Options {
	return Options{
		ServerURL:  "ws://test",
		AckTimeout: time.Second,
		Backoff: BackoffConf{
			Base:        150 * time.Millisecond,
			Max:         time.Second,
			Factor:      2,
			MaxAttempts: 5,
		},
		Transport: s.factory,
	}
}

func TestConnectAndJoin(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	c := New(testOptions(script(t1)))

	require.NoError(t, c.Connect(context.Background(), "tok"))
	assert.Equal(t, StateConnected, c.State())

	m, err := c.Join(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, "general", m.RoomID)
	assert.True(t, m.Acknowledged)

	d := c.Debug()
	assert.Equal(t, "c1", d.ConnID)
	assert.Len(t, d.Rooms, 1)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectEmptyToken(t *testing.T) {
	s := script(newFakeTransport("c1"))
	c := New(testOptions(s))

	err := c.Connect(context.Background(), "")
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
	assert.Equal(t, 0, s.callCount())
}

func TestConnectAuthRejectedNeverRetried(t *testing.T) {
	bad := newFakeTransport("c1")
	bad.dialErr = errs.ErrAuthentication.WithDetail("bad signature")
	s := script(bad)
	c := New(testOptions(s))

	err := c.Connect(context.Background(), "tok")
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
	assert.Equal(t, StateFailed, c.State())

	// No reconnect may be scheduled for a rejected credential.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, s.callCount())
}

func TestJoinIdempotent(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	c := New(testOptions(script(t1)))
	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	m1, err := c.Join(context.Background(), "general")
	require.NoError(t, err)
	m2, err := c.Join(context.Background(), "general")
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Len(t, c.Rooms(), 1)

	joins := 0
	for _, ev := range t1.writtenEvents() {
		if ev == "conversation:join" {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
}

func TestJoinAckTimeoutRemovesMembership(t *testing.T) {
	t1 := newFakeTransport("c1") // never acks
	opts := testOptions(script(t1))
	opts.AckTimeout = 60 * time.Millisecond
	c := New(opts)
	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	_, err := c.Join(context.Background(), "general")
	assert.True(t, errors.Is(err, errs.ErrAckTimeout))
	assert.Empty(t, c.Rooms(), "phantom membership must not survive an unacked join")
}

func TestJoinRejected(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	t1.failLeft = 1
	c := New(testOptions(script(t1)))
	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	_, err := c.Join(context.Background(), "archived-room")
	assert.Error(t, err)
	assert.Empty(t, c.Rooms())
}

func TestSendMessageNotQueuedOffline(t *testing.T) {
	c := New(testOptions(script(newFakeTransport("c1"))))

	err := c.SendMessage("general", "hello", wire.MessageText)
	assert.True(t, errors.Is(err, errs.ErrNotConnected))
	assert.Equal(t, 0, c.Debug().QueuedIntents)
}

func TestTypingNeverQueued(t *testing.T) {
	c := New(testOptions(script(newFakeTransport("c1"))))

	c.StartTyping("general")
	c.StopTyping("general")
	assert.Equal(t, 0, c.Debug().QueuedIntents)
}

func TestOfflineIntentsQueued(t *testing.T) {
	c := New(testOptions(script(newFakeTransport("c1"))))

	_, err := c.Join(context.Background(), "general")
	require.NoError(t, err)
	require.NoError(t, c.MarkRead("general", 5))
	require.NoError(t, c.AddReaction("general", 5, "thumbsup"))

	d := c.Debug()
	assert.Equal(t, 3, d.QueuedIntents)
	require.Len(t, d.Rooms, 1)
	assert.False(t, d.Rooms[0].Acknowledged)
}

// A dropped transport triggers reconnection; queued intents replay in order
// before anything else, then known rooms are re-joined.
func TestReconnectReplaysQueueThenRejoins(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	t2 := newFakeTransport("c2")
	t2.autoAck = true
	s := script(t1, t2)
	c := New(testOptions(s))

	require.NoError(t, c.Connect(context.Background(), "tok"))
	_, err := c.Join(context.Background(), "general")
	require.NoError(t, err)
	defer c.Disconnect()

	// Sever the connection, then issue intents while offline.
	_ = t1.Close()
	_, err = c.Join(context.Background(), "news")
	require.NoError(t, err)
	require.NoError(t, c.MarkRead("general", 5))
	require.NoError(t, c.AddReaction("general", 5, "thumbsup"))
	c.StartTyping("general")

	require.Eventually(t, func() bool {
		return len(t2.writtenEvents()) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	got := t2.writtenEvents()[:4]
	assert.Equal(t, []string{
		"conversation:join", // queued join for news replays first
		"read:mark",
		"reaction:add",
		"conversation:join", // then the re-join of general
	}, got)

	frames := t2.writtenFrames()
	first, err := decodeJoin(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "news", first.RoomID)
	last, err := decodeJoin(frames[3])
	require.NoError(t, err)
	assert.Equal(t, "general", last.RoomID)

	assert.NotContains(t, t2.writtenEvents(), "typing:start")

	// Both joins get acked on the new connection; the queue drains fully.
	require.Eventually(t, func() bool {
		d := c.Debug()
		if d.QueuedIntents != 0 || len(d.Rooms) != 2 {
			return false
		}
		for _, m := range d.Rooms {
			if !m.Acknowledged {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "c2", c.Debug().ConnID)
}

// Intents issued from a connection:established handler transmit after the
// queued replay, never ahead of it.
func TestEstablishedHandlerIntentsFollowReplay(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	c := New(testOptions(script(t1)))

	require.NoError(t, c.MarkRead("general", 5))
	c.On(wire.KindConnectionEstablished, func(wire.Event) {
		_ = c.AddReaction("general", 5, "thumbsup")
	})

	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	got := t1.writtenEvents()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, []string{"read:mark", "reaction:add"}, got[:2])
}

// A leave ack carries room info too; it must not stand in for the ack of a
// join issued right after, even for the same room.
func TestLeaveAckCannotResolveJoin(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	opts := testOptions(script(t1))
	opts.AckTimeout = 200 * time.Millisecond
	c := New(opts)

	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	_, err := c.Join(context.Background(), "general")
	require.NoError(t, err)

	// From here only the leave gets answered.
	t1.setAutoAck(false)
	require.NoError(t, c.Leave("general"))

	res := make(chan error, 1)
	go func() {
		_, jerr := c.Join(context.Background(), "general")
		res <- jerr
	}()

	require.Eventually(t, func() bool {
		joins := 0
		for _, ev := range t1.writtenEvents() {
			if ev == "conversation:join" {
				joins++
			}
		}
		return joins == 2
	}, 2*time.Second, 5*time.Millisecond)

	var leave *wire.Frame
	for _, f := range t1.writtenFrames() {
		if f.Kind() == wire.KindConversationLeave {
			leave = f
		}
	}
	require.NotNil(t, leave)
	ack := wire.MustFrame(wire.KindAck, &wire.AckPayload{
		Success: true,
		Room:    &wire.RoomInfo{RoomID: "general"},
	})
	ack.AckID = leave.AckID
	t1.inject(ack)

	err = <-res
	assert.True(t, errors.Is(err, errs.ErrAckTimeout))
	assert.Empty(t, c.Rooms())
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	down := newFakeTransport("c2")
	down.dialErr = errors.New("connection refused")
	s := script(t1, down)

	opts := testOptions(s)
	opts.Backoff = BackoffConf{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	c := New(opts)

	var mu sync.Mutex
	var closedReason string
	c.On(wire.KindConnectionClosed, func(ev wire.Event) {
		mu.Lock()
		closedReason = ev.Payload.(*wire.ConnClosed).Reason
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "tok"))
	_ = t1.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Initial dial plus MaxAttempts reconnects, then nothing more.
	assert.Equal(t, 4, s.callCount())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, s.callCount())

	mu.Lock()
	assert.NotEmpty(t, closedReason)
	mu.Unlock()
}

func TestReconnectAuthFailureIsTerminal(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	expired := newFakeTransport("c2")
	expired.dialErr = errs.ErrAuthentication.WithDetail("token expired")
	s := script(t1, expired)

	opts := testOptions(s)
	opts.Backoff.Base = 10 * time.Millisecond
	c := New(opts)

	require.NoError(t, c.Connect(context.Background(), "tok"))
	_ = t1.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// One auth rejection ends reconnection immediately.
	assert.Equal(t, 2, s.callCount())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, s.callCount())
}

func TestDisconnectIsIntentional(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	s := script(t1)
	c := New(testOptions(s))

	var mu sync.Mutex
	var reason string
	c.On(wire.KindConnectionClosed, func(ev wire.Event) {
		mu.Lock()
		reason = ev.Payload.(*wire.ConnClosed).Reason
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "tok"))
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	mu.Lock()
	assert.Equal(t, "client disconnect", reason)
	mu.Unlock()

	// Intentional teardown never reconnects.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, s.callCount())
}

// Delivered message ids per room are non-decreasing; duplicates from
// at-least-once delivery are filtered before dispatch.
func TestMessageOrderingFilter(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	c := New(testOptions(script(t1)))
	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	var mu sync.Mutex
	var ids []int64
	c.On(wire.KindMessageNew, func(ev wire.Event) {
		mu.Lock()
		ids = append(ids, ev.Payload.(*wire.ChatMessage).ID)
		mu.Unlock()
	})

	for _, id := range []int64{1, 2, 2, 1, 3} {
		t1.inject(wire.MustFrame(wire.KindMessageNew, &wire.ChatMessage{
			ID: id, RoomID: "general", SenderID: "u2", Content: "m",
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, ids)
	mu.Unlock()
}

func TestUnknownEventSkipped(t *testing.T) {
	t1 := newFakeTransport("c1")
	t1.autoAck = true
	c := New(testOptions(script(t1)))
	require.NoError(t, c.Connect(context.Background(), "tok"))
	defer c.Disconnect()

	var mu sync.Mutex
	var seen []string
	c.On(wire.KindMessageNew, func(ev wire.Event) {
		mu.Lock()
		seen = append(seen, ev.Payload.(*wire.ChatMessage).Content)
		mu.Unlock()
	})

	t1.inject(&wire.Frame{Event: "message:teleport", Payload: []byte(`{"x":1}`)})
	t1.inject(wire.MustFrame(wire.KindMessageNew, &wire.ChatMessage{
		ID: 1, RoomID: "general", Content: "after",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "after"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaveUnknownRoomIsNoop(t *testing.T) {
	c := New(testOptions(script(newFakeTransport("c1"))))
	assert.NoError(t, c.Leave("never-joined"))
	assert.Equal(t, 0, c.Debug().QueuedIntents)
}
