package server

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/logger"
)

// Subjects: room events fan out on cw.room.<roomID>, presence on cw.presence.
// Every gateway node subscribes to both; the publisher's own node receives
// its publishes through the same subscription, so delivery to local conns
// happens in exactly one place.
const (
	roomSubjectPrefix = "cw.room."
	presenceSubject   = "cw.presence"
)

// Fanout relays broadcasts between gateway nodes.
type Fanout interface {
	PublishRoom(roomID string, data []byte) error
	PublishPresence(data []byte) error
	Close()
}

// FanoutHandler receives relayed payloads. roomID is empty for presence.
type FanoutHandler func(roomID string, data []byte)

type natsFanout struct {
	nc   *nats.Conn
	subs []*nats.Subscription
}

type NatsConf struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *NatsConf) norm() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Name == "" {
		c.Name = "chatwire-gateway"
	}
}

// NewNatsFanout connects and subscribes; h runs on the NATS delivery
// goroutine for each relayed payload.
func NewNatsFanout(cfg NatsConf, h FanoutHandler) (Fanout, error) {
	cfg.norm()
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	f := &natsFanout{nc: nc}

	roomSub, err := nc.Subscribe(roomSubjectPrefix+">", func(m *nats.Msg) {
		roomID := strings.TrimPrefix(m.Subject, roomSubjectPrefix)
		h(roomID, m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "subscribe rooms")
	}
	presSub, err := nc.Subscribe(presenceSubject, func(m *nats.Msg) {
		h("", m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "subscribe presence")
	}
	f.subs = append(f.subs, roomSub, presSub)
	return f, nil
}

func (f *natsFanout) PublishRoom(roomID string, data []byte) error {
	return f.nc.Publish(roomSubjectPrefix+roomID, data)
}

func (f *natsFanout) PublishPresence(data []byte) error {
	return f.nc.Publish(presenceSubject, data)
}

func (f *natsFanout) Close() {
	for _, s := range f.subs {
		if err := s.Unsubscribe(); err != nil {
			logger.Debugf("[fanout] unsubscribe: %v", err)
		}
	}
	f.nc.Close()
}
