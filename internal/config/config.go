package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/parley/internal/util"
)

type Config struct {
	Account     Account     `json:"account"`
	Signaling   Signaling   `json:"signaling"`
	Call        Call        `json:"call"`
	Translation Translation `json:"translation"`
	Playback    Playback    `json:"playback"`
	Storage     Storage     `json:"storage"`
	Viewer      Viewer      `json:"viewer"`
	Log         Log         `json:"log"`
	Relay       Relay       `json:"relay"`
}

type Account struct {
	// Base URL of the coordination server (directory, auth and signaling).
	ServerURL string `json:"server_url"`

	// Credentials used to obtain a token when Token is empty.
	Email    string `json:"email"`
	Password string `json:"password"`

	// Bearer token for the directory and the signaling handshake.
	Token string `json:"token"`

	// Presence refresh interval for the contact list.
	RefreshSec int `json:"refresh_seconds"`
}

type Signaling struct {
	Path string `json:"path"`

	// "websocket" starts with the websocket set; "polling" forces long-poll only.
	Transport string `json:"transport"`

	MaxAttempts           int `json:"max_attempts"`
	ReconnectDelayMs      int `json:"reconnect_delay_ms"`
	ReconnectDelayMaxMs   int `json:"reconnect_delay_max_ms"`
	TimeoutMs             int `json:"timeout_ms"`
	FallbackAfterFailures int `json:"fallback_after_failures"`
	FallbackPauseMs       int `json:"fallback_pause_ms"`
	StabilityIntervalSec  int `json:"stability_interval_seconds"`
}

type Call struct {
	ICEServers       []string `json:"ice_servers"`
	ICEPoolSize      int      `json:"ice_candidate_pool_size"`
	GatherTimeoutMs  int      `json:"gather_timeout_ms"`
	RestartWindowSec int      `json:"restart_window_seconds"`

	VideoWidth     int `json:"video_width"`
	VideoHeight    int `json:"video_height"`
	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`
	FrameRate      int `json:"frame_rate"`
	MaxFrameRate   int `json:"max_frame_rate"`
}

type Translation struct {
	Enabled           bool    `json:"enabled"`
	Language          string  `json:"language"`
	FlushIntervalMs   int     `json:"flush_interval_ms"`
	SilenceThreshold  float64 `json:"silence_threshold"`
	ParticipantWaitMs int     `json:"participant_timeout_ms"`
	ResponseTimeoutMs int     `json:"response_timeout_ms"`
}

type Playback struct {
	DedupCapacity     int    `json:"dedup_capacity"`
	GraceMs           int    `json:"grace_ms"`
	FallbackTimeoutMs int    `json:"fallback_timeout_ms"`
	MinPayloadLen     int    `json:"min_payload_len"`
	Device            string `json:"device"` // "default" or "none"
}

type Storage struct {
	DBPath string `json:"db_path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level       string            `json:"level"`
	Subsystems  map[string]string `json:"subsystems"`
	BufferLines int               `json:"buffer_lines"`
}

type Relay struct {
	Bind string `json:"bind"`
	// Accounts served by a development relay.
	Users []RelayUser `json:"users"`
}

type RelayUser struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Password          string `json:"password"`
	Token             string `json:"token"`
	PreferredLanguage string `json:"preferred_language"`
}

// Languages lists the language codes offered for translation.
var Languages = []string{"en", "hi", "es", "fr", "de", "it", "ja", "ko", "zh", "ar"}

func Default() Config {
	return Config{
		Account: Account{
			ServerURL:  "http://localhost:2000",
			RefreshSec: 10,
		},
		Signaling: Signaling{
			Path:                  "/socket",
			Transport:             "websocket",
			MaxAttempts:           10,
			ReconnectDelayMs:      2000,
			ReconnectDelayMaxMs:   10000,
			TimeoutMs:             60000,
			FallbackAfterFailures: 3,
			FallbackPauseMs:       1000,
			StabilityIntervalSec:  30,
		},
		Call: Call{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			ICEPoolSize:      10,
			GatherTimeoutMs:  3000,
			RestartWindowSec: 10,
			VideoWidth:       640,
			VideoHeight:      480,
			VideoMaxWidth:    1280,
			VideoMaxHeight:   720,
			FrameRate:        24,
			MaxFrameRate:     30,
		},
		Translation: Translation{
			Enabled:           true,
			Language:          "en",
			FlushIntervalMs:   3000,
			SilenceThreshold:  0.005,
			ParticipantWaitMs: 2000,
			ResponseTimeoutMs: 15000,
		},
		Playback: Playback{
			DedupCapacity:     50,
			GraceMs:           2000,
			FallbackTimeoutMs: 10000,
			MinPayloadLen:     100,
			Device:            "default",
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7070",
		},
		Log: Log{
			Level: "info",
			Subsystems: map[string]string{
				"ice":  "warn",
				"pc":   "warn",
				"dtls": "warn",
			},
			BufferLines: 800,
		},
		Relay: Relay{
			Bind: "127.0.0.1:2000",
		},
	}
}

func (c *Config) Validate() error {
	// Account
	if err := validateServerURL(c.Account.ServerURL); err != nil {
		return fmt.Errorf("account.server_url: %w", err)
	}
	if c.Account.RefreshSec <= 0 {
		return errors.New("account.refresh_seconds must be > 0")
	}

	// Signaling
	s := c.Signaling
	if !strings.HasPrefix(s.Path, "/") {
		return errors.New("signaling.path must start with /")
	}
	if s.Transport != "websocket" && s.Transport != "polling" {
		return errors.New("signaling.transport must be websocket or polling")
	}
	if s.MaxAttempts < 1 {
		return errors.New("signaling.max_attempts must be >= 1")
	}
	if s.ReconnectDelayMs <= 0 || s.ReconnectDelayMaxMs < s.ReconnectDelayMs {
		return errors.New("signaling.reconnect_delay_ms must be > 0 and <= reconnect_delay_max_ms")
	}
	if s.TimeoutMs <= 0 {
		return errors.New("signaling.timeout_ms must be > 0")
	}
	if s.FallbackAfterFailures < 1 {
		return errors.New("signaling.fallback_after_failures must be >= 1")
	}
	if s.FallbackPauseMs < 0 {
		return errors.New("signaling.fallback_pause_ms must be >= 0")
	}
	if s.StabilityIntervalSec <= 0 {
		return errors.New("signaling.stability_interval_seconds must be > 0")
	}

	// Call
	for _, u := range c.Call.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", u)
		}
	}
	if c.Call.ICEPoolSize < 0 || c.Call.ICEPoolSize > 255 {
		return errors.New("call.ice_candidate_pool_size must be 0..255")
	}
	if c.Call.GatherTimeoutMs <= 0 {
		return errors.New("call.gather_timeout_ms must be > 0")
	}
	if c.Call.RestartWindowSec <= 0 {
		return errors.New("call.restart_window_seconds must be > 0")
	}
	if c.Call.VideoWidth <= 0 || c.Call.VideoWidth > c.Call.VideoMaxWidth {
		return errors.New("call.video_width must be 1..video_max_width")
	}
	if c.Call.VideoHeight <= 0 || c.Call.VideoHeight > c.Call.VideoMaxHeight {
		return errors.New("call.video_height must be 1..video_max_height")
	}
	if c.Call.FrameRate <= 0 || c.Call.FrameRate > c.Call.MaxFrameRate {
		return errors.New("call.frame_rate must be 1..max_frame_rate")
	}

	// Translation
	if !KnownLanguage(c.Translation.Language) {
		return fmt.Errorf("translation.language %q is not supported", c.Translation.Language)
	}
	if c.Translation.FlushIntervalMs < 250 {
		return errors.New("translation.flush_interval_ms must be >= 250")
	}
	if c.Translation.SilenceThreshold <= 0 || c.Translation.SilenceThreshold >= 1 {
		return errors.New("translation.silence_threshold must be in (0, 1)")
	}
	if c.Translation.ParticipantWaitMs < 0 {
		return errors.New("translation.participant_timeout_ms must be >= 0")
	}
	if c.Translation.ResponseTimeoutMs <= 0 {
		return errors.New("translation.response_timeout_ms must be > 0")
	}

	// Playback
	if c.Playback.DedupCapacity < 1 {
		return errors.New("playback.dedup_capacity must be >= 1")
	}
	if c.Playback.GraceMs < 0 || c.Playback.FallbackTimeoutMs <= 0 {
		return errors.New("playback.grace_ms must be >= 0 and fallback_timeout_ms > 0")
	}
	if c.Playback.Device != "default" && c.Playback.Device != "none" {
		return errors.New("playback.device must be default or none")
	}

	// Storage / viewer
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if c.Log.BufferLines < 0 {
		return errors.New("log.buffer_lines must be >= 0")
	}

	// Relay
	seen := make(map[string]bool)
	for i, u := range c.Relay.Users {
		if u.ID == "" || u.Token == "" {
			return fmt.Errorf("relay.users[%d]: id and token are required", i)
		}
		if seen[u.ID] || seen["token:"+u.Token] {
			return fmt.Errorf("relay.users[%d]: duplicate id or token", i)
		}
		seen[u.ID], seen["token:"+u.Token] = true, true
	}

	return nil
}

// KnownLanguage reports whether code is one of Languages.
func KnownLanguage(code string) bool {
	for _, l := range Languages {
		if l == code {
			return true
		}
	}
	return false
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
