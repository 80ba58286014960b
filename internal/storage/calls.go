package storage

import (
	"database/sql"
	"errors"
	"time"
)

// CallRecord is one row of the call log.
type CallRecord struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Caller         bool      `json:"caller"`
	PeerID         string    `json:"peer_id"`
	PeerName       string    `json:"peer_name,omitempty"`
	LocalLanguage  string    `json:"local_language,omitempty"`
	RemoteLanguage string    `json:"remote_language,omitempty"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	AnsweredAt     time.Time `json:"answered_at"`
	EndedAt        time.Time `json:"ended_at"`
	EndReason      string    `json:"end_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Duration is the connected time, zero for unanswered calls.
func (c CallRecord) Duration() time.Duration {
	if c.AnsweredAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.AnsweredAt)
}

// SaveCall stores or replaces the record for c.ID. Timestamps already set are
// never cleared by a later save.
func (d *DB) SaveCall(c CallRecord) error {
	caller := 0
	if c.Caller {
		caller = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO calls
			(id, kind, caller, peer_id, peer_name, local_language, remote_language,
			 state, started_at, answered_at, ended_at, end_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_name       = CASE WHEN excluded.peer_name = '' THEN calls.peer_name ELSE excluded.peer_name END,
			local_language  = excluded.local_language,
			remote_language = excluded.remote_language,
			state           = excluded.state,
			answered_at     = CASE WHEN excluded.answered_at = 0 THEN calls.answered_at ELSE excluded.answered_at END,
			ended_at        = CASE WHEN excluded.ended_at = 0 THEN calls.ended_at ELSE excluded.ended_at END,
			end_reason      = excluded.end_reason,
			error           = excluded.error`,
		c.ID, c.Kind, caller, c.PeerID, c.PeerName, c.LocalLanguage, c.RemoteLanguage,
		c.State, toMillis(c.StartedAt), toMillis(c.AnsweredAt), toMillis(c.EndedAt), c.EndReason, c.Error,
	)
	return err
}

const callColumns = `id, kind, caller, peer_id, peer_name, local_language, remote_language,
	state, started_at, answered_at, ended_at, end_reason, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (CallRecord, error) {
	var c CallRecord
	var caller int
	var started, answered, ended int64
	if err := s.Scan(&c.ID, &c.Kind, &caller, &c.PeerID, &c.PeerName, &c.LocalLanguage, &c.RemoteLanguage,
		&c.State, &started, &answered, &ended, &c.EndReason, &c.Error); err != nil {
		return CallRecord{}, err
	}
	c.Caller = caller != 0
	c.StartedAt, c.AnsweredAt, c.EndedAt = fromMillis(started), fromMillis(answered), fromMillis(ended)
	return c, nil
}

// GetCall returns the record for id, or false if unknown.
func (d *DB) GetCall(id string) (CallRecord, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := scanCall(d.db.QueryRow(`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return c, true, nil
}

// ListCalls returns up to limit calls, newest first.
func (d *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT `+callColumns+` FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCall removes a call and its transcript.
func (d *DB) DeleteCall(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM calls WHERE id = ?`, id)
	return err
}
