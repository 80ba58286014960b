package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/petervdpas/parley/internal/proto"
)

// pollSuffix is appended to the signaling path for the long-poll endpoints.
const pollSuffix = "/poll"

// PollingDialer dials the HTTP long-poll transport. A session is opened with
// POST, drained with GET (held open by the server until data arrives) and
// written with POST ?sid=.
type PollingDialer struct {
	Client *http.Client
}

type pollOpen struct {
	SID string `json:"sid"`
}

func (d PollingDialer) Dial(ctx context.Context, server *url.URL, path, credential string) (Conn, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := endpoint(server, path+pollSuffix, "")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll open %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("poll open: %w", ErrUnauthorized)
	default:
		return nil, fmt.Errorf("poll open %s: status %d", u.Host, resp.StatusCode)
	}

	var open pollOpen
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("poll open: %w", err)
	}
	if open.SID == "" {
		return nil, fmt.Errorf("poll open: empty session id")
	}

	q := u.Query()
	q.Set("sid", open.SID)
	u.RawQuery = q.Encode()

	cctx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		client:     client,
		url:        u.String(),
		credential: credential,
		ctx:        cctx,
		cancel:     cancel,
	}, nil
}

type pollConn struct {
	client     *http.Client
	url        string
	credential string

	ctx    context.Context
	cancel context.CancelFunc

	queue []proto.Envelope // only touched by Recv
}

func (c *pollConn) Kind() TransportKind { return TransportPolling }

func (c *pollConn) do(ctx context.Context, method string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

func (c *pollConn) Recv() (proto.Envelope, error) {
	for len(c.queue) == 0 {
		resp, err := c.do(c.ctx, http.MethodGet, nil)
		if err != nil {
			return proto.Envelope{}, err
		}
		batch, err := readBatch(resp)
		if err != nil {
			return proto.Envelope{}, err
		}
		c.queue = append(c.queue, batch...)
	}
	env := c.queue[0]
	c.queue = c.queue[1:]
	return env, nil
}

func readBatch(resp *http.Response) ([]proto.Envelope, error) {
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var batch []proto.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, fmt.Errorf("poll batch: %w", err)
		}
		return batch, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone, http.StatusNotFound:
		return nil, ErrSessionGone
	default:
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}
}

func (c *pollConn) post(ctx context.Context, batch []proto.Envelope) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, b)
	if err != nil {
		return err
	}
	_, err = readBatch(resp)
	return err
}

func (c *pollConn) Send(env proto.Envelope) error {
	ctx, cancel := context.WithTimeout(c.ctx, wsWriteWait)
	defer cancel()
	return c.post(ctx, []proto.Envelope{env})
}

// Ping posts an empty batch; a live session answers 204.
func (c *pollConn) Ping(ctx context.Context) error {
	return c.post(ctx, []proto.Envelope{})
}

func (c *pollConn) Close() error {
	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodDelete, nil)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}
