package storage

import "time"

// TranscriptLine is one translated chunk of a call.
type TranscriptLine struct {
	CallID     string    `json:"call_id"`
	RequestID  string    `json:"request_id"`
	Direction  string    `json:"direction"`
	Original   string    `json:"original"`
	Translated string    `json:"translated"`
	At         time.Time `json:"at"`
}

// SaveTranscript stores a line, merging with an earlier line of the same
// request so a late original text does not erase the translation.
func (d *DB) SaveTranscript(l TranscriptLine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO transcripts (call_id, request_id, direction, original, translated, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id, request_id) DO UPDATE SET
			original   = CASE WHEN excluded.original = '' THEN transcripts.original ELSE excluded.original END,
			translated = CASE WHEN excluded.translated = '' THEN transcripts.translated ELSE excluded.translated END`,
		l.CallID, l.RequestID, l.Direction, l.Original, l.Translated, toMillis(l.At),
	)
	return err
}

// Transcript returns the lines of a call in time order.
func (d *DB) Transcript(callID string) ([]TranscriptLine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT call_id, request_id, direction, original, translated, at
		FROM transcripts WHERE call_id = ? ORDER BY at, request_id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptLine
	for rows.Next() {
		var l TranscriptLine
		var at int64
		if err := rows.Scan(&l.CallID, &l.RequestID, &l.Direction, &l.Original, &l.Translated, &at); err != nil {
			return nil, err
		}
		l.At = fromMillis(at)
		out = append(out, l)
	}
	return out, rows.Err()
}
