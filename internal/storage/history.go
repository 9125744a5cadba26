package storage

import (
	"fmt"
	"time"
)

// AppendHistory records one message exchange line. History is
// append-only; nothing in the engine mutates or deletes it. Replaying
// a record ID is a no-op, so a retried queue entry never duplicates
// its committed rows.
func (s *Store) AppendHistory(r HistoryRecord) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO history (id, user_id, role, direction, text, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Role, r.Direction, r.Text, fmtTime(ts),
	)
	return err
}

// RecentHistory returns the latest limit records for a user in
// chronological order (oldest first), ready for prompt assembly.
func (s *Store) RecentHistory(userID string, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, direction, text, ts
		FROM history WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Role, &r.Direction, &r.Text, &ts); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing ts for %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// RecentMessages returns the latest limit records across all users,
// newest first. Read-only view for the observability API.
func (s *Store) RecentMessages(limit int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, direction, text, ts
		FROM history ORDER BY ts DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Role, &r.Direction, &r.Text, &ts); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing ts for %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// HistoryCount returns the number of history records for a user.
func (s *Store) HistoryCount(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM history WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// KnownUsers returns the distinct user ids seen in history, excluding
// blacklisted ones. Used by the proactive scheduler scan.
func (s *Store) KnownUsers() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT h.user_id FROM history h
		WHERE NOT EXISTS (SELECT 1 FROM blacklist b WHERE b.user_id = h.user_id)
		ORDER BY h.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
