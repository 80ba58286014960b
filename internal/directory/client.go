package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petervdpas/parley/internal/util"
)

// ErrUnauthorized is returned when the server rejects the credential.
var ErrUnauthorized = errors.New("directory: unauthorized")

// ErrNotFound is returned when the requested entry does not exist.
var ErrNotFound = errors.New("directory: not found")

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Backoff returns the schedule for retrying gateway timeouts.
	// The default retries once after 500ms.
	Backoff func() retry.Backoff

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) backoff() retry.Backoff {
	if c.Backoff != nil {
		return c.Backoff()
	}
	return retry.WithMaxRetries(1, retry.NewConstant(500*time.Millisecond))
}

// doJSON sends body (if any) as JSON, drains the response and decodes it into
// v. 401/403 map to ErrUnauthorized and 404 to ErrNotFound. A 504 is retried
// according to the client backoff.
func (c *Client) doJSON(ctx context.Context, method, path string, body, v any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	url := c.BaseURL + path

	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusGatewayTimeout:
			log.Debugf("%s %s: gateway timeout, retrying", method, path)
			return retry.RetryableError(fmt.Errorf("%s %s: status %s", method, path, resp.Status))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode/100 != 2:
			return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
		}
		if v == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(v)
	})
}

// Login exchanges credentials for a token and keeps it for later requests.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var res LoginResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: password}, &res); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	if res.Token == "" {
		return LoginResult{}, errors.New("login: empty token")
	}
	c.SetToken(res.Token)
	log.Infof("logged in as %s (token %s)", res.User.ID, util.Mask(res.Token))
	return res, nil
}

// Me returns the profile behind the current token.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/me", nil, &u); err != nil {
		return User{}, fmt.Errorf("me: %w", err)
	}
	return u, nil
}

// Users lists the other users with their presence.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doJSON(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	return users, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	return h, nil
}
