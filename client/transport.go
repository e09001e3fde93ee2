package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/tools/errs"
	"github.com/pplabs/chatwire/wire"
)

// Transport is one message-framed bidirectional connection to the gateway.
// Dial performs the authenticated handshake and returns the server's
// connection:established frame. Read blocks until a frame or a transport
// error; after an error the transport is dead and must be re-dialed.
type Transport interface {
	Dial(ctx context.Context, serverURL, token string) (*wire.Frame, error)
	Read() (*wire.Frame, error)
	Write(f *wire.Frame) error
	Close() error
}

// TransportFactory builds a fresh Transport per connection attempt.
type TransportFactory func() Transport

// —— websocket (primary framing) ——

type wsTransport struct {
	dialTimeout time.Duration
	conn        *websocket.Conn
}

func newWSTransport(dialTimeout time.Duration) *wsTransport {
	return &wsTransport{dialTimeout: dialTimeout}
}

func (t *wsTransport) Dial(ctx context.Context, serverURL, token string) (*wire.Frame, error) {
	u, err := wsURL(serverURL, "/ws")
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.dialTimeout}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.WrapCode(errs.ErrAuthentication, err)
		}
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	t.conn = conn

	// The first frame is the handshake ack.
	_ = conn.SetReadDeadline(time.Now().Add(t.dialTimeout))
	f, err := t.Read()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	if f.Kind() != wire.KindConnectionEstablished {
		_ = conn.Close()
		return nil, errs.ErrConnection.WithDetail("unexpected handshake frame " + f.Event)
	}
	return f, nil
}

func (t *wsTransport) Read() (*wire.Frame, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
		return t.Read()
	}
	return wire.ParseFrame(data)
}

func (t *wsTransport) Write(f *wire.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func wsURL(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// —— fallback chain ——

// fallbackTransport tries the full-duplex websocket framing first and falls
// back to long-polling when the websocket dial fails for non-auth reasons.
// An authentication rejection is final; falling back would just get the same
// credential rejected again.
type fallbackTransport struct {
	dialTimeout time.Duration
	active      Transport
}

func newFallbackTransport(dialTimeout time.Duration) *fallbackTransport {
	return &fallbackTransport{dialTimeout: dialTimeout}
}

func (t *fallbackTransport) Dial(ctx context.Context, serverURL, token string) (*wire.Frame, error) {
	ws := newWSTransport(t.dialTimeout)
	f, err := ws.Dial(ctx, serverURL, token)
	if err == nil {
		t.active = ws
		return f, nil
	}
	if errors.Is(err, errs.ErrAuthentication) {
		return nil, err
	}

	lp := newLongpollTransport(t.dialTimeout)
	f, lpErr := lp.Dial(ctx, serverURL, token)
	if lpErr != nil {
		// Report the primary failure; the fallback one is secondary.
		return nil, err
	}
	t.active = lp
	return f, nil
}

func (t *fallbackTransport) Read() (*wire.Frame, error) { return t.active.Read() }
func (t *fallbackTransport) Write(f *wire.Frame) error  { return t.active.Write(f) }
func (t *fallbackTransport) Close() error {
	if t.active == nil {
		return nil
	}
	return t.active.Close()
}
