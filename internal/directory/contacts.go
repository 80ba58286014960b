package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Contacts keeps the user list fresh while the client runs.
type Contacts struct {
	client   *Client
	interval time.Duration
	clock    clock.Clock

	mu    sync.RWMutex
	users map[string]User

	hookMu   sync.RWMutex
	nextHook int
	hooks    map[int]func([]User)
}

// NewContacts refreshes through client every interval (10s when zero).
func NewContacts(client *Client, interval time.Duration, clk clock.Clock) *Contacts {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Contacts{
		client:   client,
		interval: interval,
		clock:    clk,
		users:    make(map[string]User),
		hooks:    make(map[int]func([]User)),
	}
}

// Refresh fetches the list once.
func (c *Contacts) Refresh(ctx context.Context) error {
	users, err := c.client.Users(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]User, len(users))
	for _, u := range users {
		next[u.ID] = u
	}
	c.mu.Lock()
	changed := len(next) != len(c.users)
	for id, u := range next {
		if old, ok := c.users[id]; !ok || old != u {
			changed = true
		}
	}
	c.users = next
	c.mu.Unlock()

	if changed {
		list := c.List()
		c.hookMu.RLock()
		fns := make([]func([]User), 0, len(c.hooks))
		for _, fn := range c.hooks {
			fns = append(fns, fn)
		}
		c.hookMu.RUnlock()
		for _, fn := range fns {
			fn(list)
		}
	}
	return nil
}

// Run refreshes until ctx is done. An unauthorized answer stops the loop.
func (c *Contacts) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		log.Warnf("contacts: %v", err)
	}
	t := c.clock.Ticker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.Refresh(ctx); err != nil {
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				if ctx.Err() == nil {
					log.Warnf("contacts: %v", err)
				}
			}
		}
	}
}

// List returns the users sorted by name.
func (c *Contacts) List() []User {
	c.mu.RLock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Contacts) Lookup(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// OnChange registers fn for list changes. The returned func removes it.
func (c *Contacts) OnChange(fn func([]User)) func() {
	c.hookMu.Lock()
	c.nextHook++
	id := c.nextHook
	c.hooks[id] = fn
	c.hookMu.Unlock()
	return func() {
		c.hookMu.Lock()
		delete(c.hooks, id)
		c.hookMu.Unlock()
	}
}
