// Package directory talks to the user directory and authentication service
// of the coordination server, and provides a small in-process implementation
// of both for the development relay.
package directory

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("directory")

// Presence values reported for a user.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// User is a directory entry.
type User struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
	Status            string `json:"status,omitempty"`
	Avatar            string `json:"avatar,omitempty"`
}

// Online reports whether the user can currently be called.
func (u User) Online() bool { return u.Status == StatusOnline }

// Participant converts the entry to the signaling profile.
func (u User) Participant() proto.Participant {
	return proto.Participant{
		ID:                u.ID,
		Name:              u.Name,
		PreferredLanguage: u.PreferredLanguage,
		Status:            u.Status,
		Avatar:            u.Avatar,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the answer to a successful login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Health is the service health report.
type Health struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
	Online int    `json:"online"`
}
