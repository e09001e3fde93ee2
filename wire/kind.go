package wire

// EventKind is the closed set of events that cross the transport, plus the
// local connection-lifecycle kinds the dispatcher delivers. The wire carries
// the string name; everything in-process is keyed by the variant.
type EventKind int

const (
	KindUnknown EventKind = iota

	// client -> server
	KindConversationJoin
	KindConversationLeave
	KindMessageSend
	KindMessageEdit
	KindMessageDelete
	KindTypingStart
	KindTypingStop
	KindReadMark
	KindReactionAdd
	KindReactionRemove

	// server -> client
	KindAck
	KindMessageNew
	KindMessageEdited
	KindMessageDeleted
	KindReadReceipt
	KindReactionAdded
	KindReactionRemoved
	KindUserOnline
	KindUserOffline
	KindConversationArchived
	KindParticipantAdded
	KindParticipantRemoved

	// connection lifecycle. Established is sent by the server as the
	// handshake ack; closed/error are raised locally by the client.
	KindConnectionEstablished
	KindConnectionClosed
	KindConnectionError
)

var kindNames = map[EventKind]string{
	KindConversationJoin:      "conversation:join",
	KindConversationLeave:     "conversation:leave",
	KindMessageSend:           "message:send",
	KindMessageEdit:           "message:edit",
	KindMessageDelete:         "message:delete",
	KindTypingStart:           "typing:start",
	KindTypingStop:            "typing:stop",
	KindReadMark:              "read:mark",
	KindReactionAdd:           "reaction:add",
	KindReactionRemove:        "reaction:remove",
	KindAck:                   "ack",
	KindMessageNew:            "message:new",
	KindMessageEdited:         "message:edited",
	KindMessageDeleted:        "message:deleted",
	KindReadReceipt:           "read:receipt",
	KindReactionAdded:         "reaction:added",
	KindReactionRemoved:       "reaction:removed",
	KindUserOnline:            "user:online",
	KindUserOffline:           "user:offline",
	KindConversationArchived:  "conversation:archived",
	KindParticipantAdded:      "participant:added",
	KindParticipantRemoved:    "participant:removed",
	KindConnectionEstablished: "connection:established",
	KindConnectionClosed:      "connection:closed",
	KindConnectionError:       "connection:error",
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// KindOf maps a wire event name back to its variant. Unrecognized names map
// to KindUnknown; the receiver skips those instead of failing the stream.
func KindOf(name string) EventKind {
	return kindsByName[name]
}
