package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/tools/decode"
)

// Frame is the JSON envelope every event travels in. AckID correlates an
// ack-requiring request with its ack reply.
type Frame struct {
	Event   string          `json:"event"`
	AckID   string          `json:"ack_id,omitempty"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewFrame(kind EventKind, payload any) (*Frame, error) {
	f := &Frame{Event: kind.String(), Ts: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		f.Payload = raw
	}
	return f, nil
}

// MustFrame is NewFrame for payload structs, which cannot fail to marshal.
func MustFrame(kind EventKind, payload any) *Frame {
	f, err := NewFrame(kind, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frame) Kind() EventKind { return KindOf(f.Event) }

func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame")
	}
	return b, nil
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	if f.Event == "" {
		return nil, errors.New("frame missing event name")
	}
	return f, nil
}

// Event is a decoded inbound event: the variant plus its typed payload
// (a pointer to one of the payload structs in events.go, or nil).
type Event struct {
	Kind    EventKind
	Payload any
}

// DecodeEvent turns an inbound frame into a typed Event. Unknown event names
// return KindUnknown with a nil payload so the read loop can skip them.
func DecodeEvent(f *Frame) (Event, error) {
	kind := f.Kind()
	ev := Event{Kind: kind}
	if len(f.Payload) == 0 {
		return ev, nil
	}

	var err error
	switch kind {
	case KindConversationJoin:
		ev.Payload, err = decode.DecodeRaw[JoinPayload](f.Payload)
	case KindConversationLeave:
		ev.Payload, err = decode.DecodeRaw[LeavePayload](f.Payload)
	case KindMessageSend:
		ev.Payload, err = decode.DecodeRaw[SendMessagePayload](f.Payload)
	case KindMessageEdit:
		ev.Payload, err = decode.DecodeRaw[EditMessagePayload](f.Payload)
	case KindMessageDelete:
		ev.Payload, err = decode.DecodeRaw[DeleteMessagePayload](f.Payload)
	case KindReadMark:
		ev.Payload, err = decode.DecodeRaw[ReadMarkPayload](f.Payload)
	case KindReactionAdd, KindReactionRemove:
		ev.Payload, err = decode.DecodeRaw[ReactionPayload](f.Payload)
	case KindMessageNew:
		ev.Payload, err = decode.DecodeRaw[ChatMessage](f.Payload)
	case KindMessageEdited:
		ev.Payload, err = decode.DecodeRaw[MessageEdited](f.Payload)
	case KindMessageDeleted:
		ev.Payload, err = decode.DecodeRaw[MessageDeleted](f.Payload)
	case KindTypingStart, KindTypingStop:
		ev.Payload, err = decode.DecodeRaw[TypingEvent](f.Payload)
	case KindReadReceipt:
		ev.Payload, err = decode.DecodeRaw[ReadReceipt](f.Payload)
	case KindReactionAdded, KindReactionRemoved:
		ev.Payload, err = decode.DecodeRaw[ReactionEvent](f.Payload)
	case KindUserOnline, KindUserOffline:
		ev.Payload, err = decode.DecodeRaw[PresenceEvent](f.Payload)
	case KindConversationArchived:
		ev.Payload, err = decode.DecodeRaw[RoomEvent](f.Payload)
	case KindParticipantAdded, KindParticipantRemoved:
		ev.Payload, err = decode.DecodeRaw[ParticipantEvent](f.Payload)
	case KindAck:
		ev.Payload, err = decode.DecodeRaw[AckPayload](f.Payload)
	case KindConnectionEstablished:
		ev.Payload, err = decode.DecodeRaw[ConnEstablished](f.Payload)
	case KindConnectionClosed:
		ev.Payload, err = decode.DecodeRaw[ConnClosed](f.Payload)
	case KindConnectionError:
		ev.Payload, err = decode.DecodeRaw[ConnError](f.Payload)
	}
	if err != nil {
		return Event{Kind: kind}, errors.Wrapf(err, "decode %s payload", f.Event)
	}
	return ev, nil
}
