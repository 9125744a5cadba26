package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// TouchActivity records fresh inbound or outbound activity for a user
// and arms the next proactive deadline. The nudged flag is cleared so a
// new idle period can trigger exactly one check-in.
func (s *Store) TouchActivity(userID string, now, nextNudgeAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO user_activity (user_id, last_activity, next_nudge_at, nudged)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(user_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			next_nudge_at = excluded.next_nudge_at,
			nudged = 0`,
		userID, fmtTime(now), fmtTime(nextNudgeAt),
	)
	return err
}

// GetActivity returns the activity row for a user.
func (s *Store) GetActivity(userID string) (UserActivity, error) {
	var a UserActivity
	var lastActivity string
	var nextNudge sql.NullString
	var nudged int
	err := s.db.QueryRow(`
		SELECT user_id, last_activity, next_nudge_at, nudged FROM user_activity WHERE user_id = ?`,
		userID,
	).Scan(&a.UserID, &lastActivity, &nextNudge, &nudged)
	if err == sql.ErrNoRows {
		return UserActivity{}, ErrNotFound
	}
	if err != nil {
		return UserActivity{}, err
	}
	if a.LastActivity, err = parseTime(lastActivity); err != nil {
		return UserActivity{}, fmt.Errorf("parsing last_activity: %w", err)
	}
	if nextNudge.Valid {
		if a.NextNudgeAt, err = parseTime(nextNudge.String); err != nil {
			return UserActivity{}, fmt.Errorf("parsing next_nudge_at: %w", err)
		}
	}
	a.Nudged = nudged != 0
	return a, nil
}

// UsersDueForNudge returns users whose randomized deadline has passed,
// who have not yet been nudged this idle period, and who are not
// blacklisted. Catch-up safe: a delayed scan still only returns users
// currently past threshold.
func (s *Store) UsersDueForNudge(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT ua.user_id FROM user_activity ua
		WHERE ua.nudged = 0
		  AND ua.next_nudge_at IS NOT NULL
		  AND ua.next_nudge_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM blacklist b WHERE b.user_id = ua.user_id)
		ORDER BY ua.next_nudge_at ASC`, fmtTime(now))
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

// MarkNudged flips the nudged flag for a user if and only if it is not
// already set. Returns true when this call won the flip, which makes
// the nudge exactly-once per idle period even with overlapping scans.
func (s *Store) MarkNudged(userID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE user_activity SET nudged = 1 WHERE user_id = ? AND nudged = 0`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
