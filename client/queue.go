package client

import (
	"sync"
	"time"

	"github.com/pplabs/chatwire/wire"
)

// queuedIntent is one locally-buffered operation awaiting transmission.
// Intents replay strictly in seq order after reconnection. Ack-requiring
// kinds (join/leave) stay queued until the server confirms; the rest leave
// the queue once transmitted.
type queuedIntent struct {
	seq        uint64
	kind       wire.EventKind
	frame      *wire.Frame
	enqueuedAt time.Time
}

func ackRequired(kind wire.EventKind) bool {
	return kind == wire.KindConversationJoin || kind == wire.KindConversationLeave
}

// outboundQueue buffers intents while the connection is down. Unbounded:
// growth is limited by process memory, and typing signals never enter.
type outboundQueue struct {
	mu      sync.Mutex
	nextSeq uint64
	items   []*queuedIntent
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (q *outboundQueue) enqueue(kind wire.EventKind, frame *wire.Frame) *queuedIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	it := &queuedIntent{
		seq:        q.nextSeq,
		kind:       kind,
		frame:      frame,
		enqueuedAt: time.Now(),
	}
	q.items = append(q.items, it)
	return it
}

// snapshot returns the queued intents in seq order.
func (q *outboundQueue) snapshot() []*queuedIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queuedIntent, len(q.items))
	copy(out, q.items)
	return out
}

// remove drops the intent with the given seq, if still present.
func (q *outboundQueue) remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.seq == seq {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// removeByAckID drops a queued ack-requiring intent whose frame carries the
// given ack id. Called when the server's ack arrives after replay.
func (q *outboundQueue) removeByAckID(ackID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.frame.AckID == ackID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
