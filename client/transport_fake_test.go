package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/wire"
)

// fakeTransport is a scripted in-memory Transport. The test controls what
// Dial returns, what the read loop sees, and can auto-acknowledge joins the
// way a live gateway would.
type fakeTransport struct {
	connID   string
	dialErr  error
	autoAck  bool
	failLeft int // fail this many joins before acking, for rejection paths

	mu     sync.Mutex
	writes []*wire.Frame

	inbox     chan *wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(connID string) *fakeTransport {
	return &fakeTransport{
		connID: connID,
		inbox:  make(chan *wire.Frame, 64),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Dial(ctx context.Context, serverURL, token string) (*wire.Frame, error) {
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return wire.MustFrame(wire.KindConnectionEstablished, &wire.ConnEstablished{
		ConnID: t.connID, UserID: "u1", UserName: "Uno",
	}), nil
}

func (t *fakeTransport) Read() (*wire.Frame, error) {
	select {
	case f := <-t.inbox:
		return f, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) Write(f *wire.Frame) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}

	t.mu.Lock()
	t.writes = append(t.writes, f)
	autoAck := t.autoAck
	reject := false
	if f.Kind() == wire.KindConversationJoin && t.failLeft > 0 {
		t.failLeft--
		reject = true
	}
	t.mu.Unlock()

	if autoAck && f.Kind() == wire.KindConversationJoin {
		ev, err := wire.DecodeEvent(f)
		if err != nil {
			return err
		}
		p := ev.Payload.(*wire.JoinPayload)
		pay := &wire.AckPayload{
			Success: !reject,
			Room:    &wire.RoomInfo{RoomID: p.RoomID, Members: []string{"u1"}},
		}
		if reject {
			pay.Error = "room archived"
			pay.Room.Archived = true
		}
		ack := wire.MustFrame(wire.KindAck, pay)
		ack.AckID = f.AckID
		t.inject(ack)
	}
	return nil
}

// setAutoAck flips join auto-acknowledgment mid-test.
func (t *fakeTransport) setAutoAck(v bool) {
	t.mu.Lock()
	t.autoAck = v
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// inject queues a frame for the client's read loop.
func (t *fakeTransport) inject(f *wire.Frame) {
	select {
	case t.inbox <- f:
	case <-t.done:
	}
}

// writtenEvents snapshots the event names written so far.
func (t *fakeTransport) writtenEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.writes))
	for _, f := range t.writes {
		out = append(out, f.Event)
	}
	return out
}

func (t *fakeTransport) writtenFrames() []*wire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wire.Frame, len(t.writes))
	copy(out, t.writes)
	return out
}

// transportScript hands out transports in order, repeating the last one
// once the script is exhausted.
type transportScript struct {
	mu    sync.Mutex
	queue []*fakeTransport
	calls int
}

func script(ts ...*fakeTransport) *transportScript {
	return &transportScript{queue: ts}
}

func (s *transportScript) factory() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.queue) {
		i = len(s.queue) - 1
	}
	s.calls++
	return s.queue[i]
}

func (s *transportScript) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
