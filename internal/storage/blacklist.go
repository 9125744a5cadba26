package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// AddToBlacklist suppresses all processing for a user. Idempotent.
func (s *Store) AddToBlacklist(userID, reason string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO blacklist (user_id, reason, created_at) VALUES (?, ?, ?)`,
		userID, reason, fmtTime(at),
	)
	return err
}

// RemoveFromBlacklist lifts the suppression for a user.
func (s *Store) RemoveFromBlacklist(userID string) error {
	_, err := s.db.Exec(`DELETE FROM blacklist WHERE user_id = ?`, userID)
	return err
}

// IsBlacklisted reports whether the user is suppressed.
func (s *Store) IsBlacklisted(userID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM blacklist WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListBlacklist returns all blacklist entries.
func (s *Store) ListBlacklist() ([]BlacklistEntry, error) {
	rows, err := s.db.Query(`SELECT user_id, reason, created_at FROM blacklist ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		var createdAt string
		if err := rows.Scan(&e.UserID, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", e.UserID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetDocState records the sync position of a document repository.
// Written by the external document-sync collaborator.
func (s *Store) SetDocState(d DocState, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO doc_state (repo, sync_commit, chunk_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repo) DO UPDATE SET
			sync_commit = excluded.sync_commit,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at`,
		d.Repo, d.SyncCommit, d.ChunkCount, fmtTime(at),
	)
	return err
}

// GetDocState returns the sync state for a repository.
func (s *Store) GetDocState(repo string) (DocState, error) {
	var d DocState
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT repo, sync_commit, chunk_count, updated_at FROM doc_state WHERE repo = ?`, repo,
	).Scan(&d.Repo, &d.SyncCommit, &d.ChunkCount, &updatedAt)
	if err == sql.ErrNoRows {
		return DocState{}, ErrNotFound
	}
	if err != nil {
		return DocState{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DocState{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}
