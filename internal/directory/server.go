package directory

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/proto"
)

// Server is an in-memory directory and login service backed by the relay
// config. Presence comes from the caller, normally the signaling relay.
type Server struct {
	byID     map[string]config.RelayUser
	byToken  map[string]string
	presence func(userID string) string
}

// NewServer serves users. presence may be nil, in which case everyone is
// reported offline.
func NewServer(users []config.RelayUser, presence func(userID string) string) *Server {
	s := &Server{
		byID:     make(map[string]config.RelayUser, len(users)),
		byToken:  make(map[string]string, len(users)),
		presence: presence,
	}
	for _, u := range users {
		s.byID[u.ID] = u
		s.byToken[u.Token] = u.ID
	}
	return s
}

// SetPresence replaces the presence source.
func (s *Server) SetPresence(fn func(userID string) string) { s.presence = fn }

// ResolveToken maps a bearer token to a user id.
func (s *Server) ResolveToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	id, ok := s.byToken[token]
	return id, ok
}

// Profile returns the public profile of id.
func (s *Server) Profile(id string) (proto.Participant, bool) {
	u, ok := s.user(id)
	if !ok {
		return proto.Participant{}, false
	}
	return u.Participant(), true
}

func (s *Server) user(id string) (User, bool) {
	ru, ok := s.byID[id]
	if !ok {
		return User{}, false
	}
	status := StatusOffline
	if s.presence != nil {
		status = s.presence(id)
	}
	return User{
		ID:                ru.ID,
		Name:              ru.Name,
		Email:             ru.Email,
		PreferredLanguage: ru.PreferredLanguage,
		Status:            status,
	}, true
}

// Register mounts the directory routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/users/me", s.handleMe)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	id, ok := s.ResolveToken(tok)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for _, ru := range s.byID {
		if !strings.EqualFold(ru.Email, strings.TrimSpace(req.Email)) || ru.Email == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(ru.Password), []byte(req.Password)) != 1 {
			break
		}
		u, _ := s.user(ru.ID)
		log.Infof("login: %s", ru.ID)
		writeJSON(w, LoginResult{Token: ru.Token, User: u})
		return
	}
	log.Warnf("login: rejected %s", req.Email)
	http.Error(w, "invalid credentials", http.StatusUnauthorized)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	u, _ := s.user(id)
	writeJSON(w, u)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	self, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	users := make([]User, 0, len(s.byID))
	for id := range s.byID {
		if id == self {
			continue
		}
		u, _ := s.user(id)
		u.Email = ""
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	writeJSON(w, users)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok", Users: len(s.byID)}
	for id := range s.byID {
		if u, _ := s.user(id); u.Status != StatusOffline {
			h.Online++
		}
	}
	writeJSON(w, h)
}
