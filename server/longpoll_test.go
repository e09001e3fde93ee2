package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pplabs/chatwire/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *Authenticator) {
	t.Helper()
	mem := NewMemStore()
	router := NewRoomRouter(RouterConf{GatewayID: "gw-test"}, NewConnManager(), mem, mem, mem)
	auth := NewAuthenticator([]byte("test-secret"), "HS256", time.Hour)
	s := NewServer(auth, router)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.lp.stop()
		ts.Close()
	})
	return ts, auth
}

func lpRequest(t *testing.T, method, url, token string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func TestLongPollSession(t *testing.T) {
	ts, auth := newTestServer(t)
	token, err := auth.Generate("u1", "Uno")
	require.NoError(t, err)

	// Connect: session id plus the established frame.
	resp, body := lpRequest(t, http.MethodPost, ts.URL+"/lp/connect", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var connResp struct {
		SessionID string      `json:"session_id"`
		Frame     *wire.Frame `json:"frame"`
	}
	require.NoError(t, json.Unmarshal(body, &connResp))
	require.NotEmpty(t, connResp.SessionID)
	require.NotNil(t, connResp.Frame)
	assert.Equal(t, wire.KindConnectionEstablished, connResp.Frame.Kind())

	// Send a join through the fallback framing.
	join := wire.MustFrame(wire.KindConversationJoin, &wire.JoinPayload{RoomID: "general"})
	join.AckID = "lp-ack-1"
	raw, err := join.Encode()
	require.NoError(t, err)
	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/send?session="+connResp.SessionID, "", raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Poll: the join ack is already queued, so this returns without holding.
	resp, body = lpRequest(t, http.MethodGet, ts.URL+"/lp/poll?session="+connResp.SessionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pollResp struct {
		Frames []*wire.Frame `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(body, &pollResp))

	var ack *wire.Frame
	for _, f := range pollResp.Frames {
		if f.Kind() == wire.KindAck {
			ack = f
		}
	}
	require.NotNil(t, ack, "poll must return the join ack")
	assert.Equal(t, "lp-ack-1", ack.AckID)

	ev, err := wire.DecodeEvent(ack)
	require.NoError(t, err)
	pay := ev.Payload.(*wire.AckPayload)
	assert.True(t, pay.Success)
	assert.Equal(t, "general", pay.Room.RoomID)

	// Close tears the session down; further polls are rejected.
	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/close?session="+connResp.SessionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = lpRequest(t, http.MethodGet, ts.URL+"/lp/poll?session="+connResp.SessionID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLongPollConnectRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := lpRequest(t, http.MethodPost, ts.URL+"/lp/connect", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/connect", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLongPollUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := lpRequest(t, http.MethodGet, ts.URL+"/lp/poll?session=nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/send?session=nope", "", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	ts, auth := newTestServer(t)
	token, err := auth.Generate("u1", "Uno")
	require.NoError(t, err)

	// Seed a message through a long-poll session.
	resp, body := lpRequest(t, http.MethodPost, ts.URL+"/lp/connect", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var connResp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(body, &connResp))

	join := wire.MustFrame(wire.KindConversationJoin, &wire.JoinPayload{RoomID: "general"})
	raw, _ := join.Encode()
	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/send?session="+connResp.SessionID, "", raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	send := wire.MustFrame(wire.KindMessageSend, &wire.SendMessagePayload{RoomID: "general", Content: "hello"})
	raw, _ = send.Encode()
	resp, _ = lpRequest(t, http.MethodPost, ts.URL+"/lp/send?session="+connResp.SessionID, "", raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = lpRequest(t, http.MethodGet, ts.URL+"/rooms/general/history", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var histResp struct {
		Messages []*wire.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &histResp))
	require.Len(t, histResp.Messages, 1)
	assert.Equal(t, "hello", histResp.Messages[0].Content)
	assert.Equal(t, int64(1), histResp.Messages[0].ID)

	// History requires a credential too.
	resp, _ = lpRequest(t, http.MethodGet, ts.URL+"/rooms/general/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
