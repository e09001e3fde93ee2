package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/tools/errs"
	"github.com/pplabs/chatwire/wire"
)

// longpollTransport is the fallback framing: frames go out as individual
// POSTs and come back in batches from a held GET. Same wire contract, more
// round trips.
type longpollTransport struct {
	dialTimeout time.Duration
	http        *http.Client

	base      string
	sessionID string

	cancel context.CancelFunc
	ctx    context.Context
	buf    []*wire.Frame
}

type lpConnectResponse struct {
	SessionID string      `json:"session_id"`
	Frame     *wire.Frame `json:"frame"`
}

type lpPollResponse struct {
	Frames []*wire.Frame `json:"frames"`
}

func newLongpollTransport(dialTimeout time.Duration) *longpollTransport {
	return &longpollTransport{
		dialTimeout: dialTimeout,
		// Poll requests are held server-side; the client budget must exceed
		// the server hold window.
		http: &http.Client{Timeout: 45 * time.Second},
	}
}

func (t *longpollTransport) Dial(ctx context.Context, serverURL, token string) (*wire.Frame, error) {
	base, err := httpURL(serverURL)
	if err != nil {
		return nil, err
	}
	t.base = base

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/lp/connect", nil)
	if err != nil {
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errs.ErrAuthentication.WithDetail("long-poll connect rejected")
	default:
		return nil, errs.ErrConnection.WithDetail("long-poll connect status " + resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	var cr lpConnectResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, errs.WrapCode(errs.ErrConnection, err)
	}
	if cr.SessionID == "" || cr.Frame == nil {
		return nil, errs.ErrConnection.WithDetail("malformed long-poll connect response")
	}
	t.sessionID = cr.SessionID
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return cr.Frame, nil
}

func (t *longpollTransport) Read() (*wire.Frame, error) {
	for len(t.buf) == 0 {
		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet,
			t.base+"/lp/poll?session="+t.sessionID, nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("long-poll status %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		var pr lpPollResponse
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, err
		}
		t.buf = append(t.buf, pr.Frames...)
	}

	f := t.buf[0]
	t.buf = t.buf[1:]
	return f, nil
}

func (t *longpollTransport) Write(f *wire.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost,
		t.base+"/lp/send?session="+t.sessionID, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("long-poll send status %s", resp.Status)
	}
	return nil
}

func (t *longpollTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sessionID == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodPost, t.base+"/lp/close?session="+t.sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func httpURL(serverURL string) (string, error) {
	s := serverURL
	switch {
	case strings.HasPrefix(s, "ws://"):
		s = "http://" + strings.TrimPrefix(s, "ws://")
	case strings.HasPrefix(s, "wss://"):
		s = "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
	default:
		return "", errors.Errorf("unsupported server url %q", serverURL)
	}
	return strings.TrimRight(s, "/"), nil
}
