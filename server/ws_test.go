package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pplabs/chatwire/wire"
)

func wsDial(t *testing.T, httpURL, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func wsReadFrame(t *testing.T, ws *websocket.Conn) *wire.Frame {
	t.Helper()
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.ParseFrame(data)
	require.NoError(t, err)
	return f
}

// A fresh connection must see its handshake ack before anything else the
// gateway fans out on open, including this user's own presence flip.
func TestWSHandshakeAckArrivesFirst(t *testing.T) {
	ts, auth := newTestServer(t)
	token, err := auth.Generate("u1", "Uno")
	require.NoError(t, err)

	ws := wsDial(t, ts.URL, token)

	first := wsReadFrame(t, ws)
	require.Equal(t, wire.KindConnectionEstablished, first.Kind())

	ev, err := wire.DecodeEvent(first)
	require.NoError(t, err)
	est := ev.Payload.(*wire.ConnEstablished)
	assert.Equal(t, "u1", est.UserID)
	assert.NotEmpty(t, est.ConnID)

	// The open broadcast follows the handshake, never precedes it.
	second := wsReadFrame(t, ws)
	assert.Equal(t, wire.KindUserOnline, second.Kind())
}
