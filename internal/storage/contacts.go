package storage

import "time"

// CachedContact is the last known profile of a directory user, kept so the
// contact list still renders while the directory is unreachable.
type CachedContact struct {
	UserID            string    `json:"id"`
	Name              string    `json:"name"`
	PreferredLanguage string    `json:"preferredLanguage,omitempty"`
	Avatar            string    `json:"avatar,omitempty"`
	LastSeen          time.Time `json:"last_seen"`
}

// UpsertContact stores or replaces the cached profile of a user.
func (d *DB) UpsertContact(c CachedContact) error {
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO contact_cache (user_id, name, preferred_language, avatar, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name               = excluded.name,
			preferred_language = excluded.preferred_language,
			avatar             = CASE WHEN excluded.avatar = '' THEN contact_cache.avatar ELSE excluded.avatar END,
			last_seen          = excluded.last_seen`,
		c.UserID, c.Name, c.PreferredLanguage, c.Avatar, toMillis(c.LastSeen),
	)
	return err
}

// ListContacts returns every cached contact ordered by name.
func (d *DB) ListContacts() ([]CachedContact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, name, preferred_language, avatar, last_seen
		FROM contact_cache ORDER BY name, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedContact
	for rows.Next() {
		var c CachedContact
		var seen int64
		if err := rows.Scan(&c.UserID, &c.Name, &c.PreferredLanguage, &c.Avatar, &seen); err != nil {
			return nil, err
		}
		c.LastSeen = fromMillis(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}
