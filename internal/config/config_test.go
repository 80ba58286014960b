package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Translation.FlushInterval() != 3*time.Second {
		t.Errorf("flush interval = %v", cfg.Translation.FlushInterval())
	}
	if cfg.Call.GatherTimeout() != 3*time.Second {
		t.Errorf("gather timeout = %v", cfg.Call.GatherTimeout())
	}
	if cfg.Signaling.FallbackAfterFailures != 3 {
		t.Errorf("fallback threshold = %d", cfg.Signaling.FallbackAfterFailures)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"server scheme", func(c *Config) { c.Account.ServerURL = "ftp://x" }, "account.server_url"},
		{"transport", func(c *Config) { c.Signaling.Transport = "carrier-pigeon" }, "signaling.transport"},
		{"delays", func(c *Config) { c.Signaling.ReconnectDelayMaxMs = 10 }, "reconnect_delay_ms"},
		{"ice url", func(c *Config) { c.Call.ICEServers = []string{"http://stun"} }, "call.ice_servers"},
		{"language", func(c *Config) { c.Translation.Language = "xx" }, "translation.language"},
		{"threshold", func(c *Config) { c.Translation.SilenceThreshold = 0 }, "silence_threshold"},
		{"device", func(c *Config) { c.Playback.Device = "hdmi" }, "playback.device"},
		{"viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }, "viewer.http_addr"},
		{"relay user", func(c *Config) { c.Relay.Users = []RelayUser{{ID: "alice"}} }, "relay.users[0]"},
		{"relay duplicate", func(c *Config) {
			c.Relay.Users = []RelayUser{{ID: "alice", Token: "t1"}, {ID: "bob", Token: "t1"}}
		}, "relay.users[1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	body := "\xEF\xBB\xBF" + `{"translation":{"language":"es"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Translation.Language != "es" {
		t.Errorf("language = %q", cfg.Translation.Language)
	}
	if cfg.Translation.FlushIntervalMs != 3000 {
		t.Errorf("flush interval lost default: %d", cfg.Translation.FlushIntervalMs)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "parley.json")
	_, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("Ensure = %v, %v", created, err)
	}
	_, created, err = Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure = %v, %v", created, err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	go func() { _ = Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	cfg := Default()
	cfg.Translation.Language = "fr"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Translation.Language != "fr" {
			t.Fatalf("reloaded language = %q", c.Translation.Language)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
