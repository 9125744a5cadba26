package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// errVersionConflict signals a lost compare-and-swap race; the caller
// re-reads and retries.
var errVersionConflict = errors.New("score version conflict")

// ReplaceCatalog swaps the candidate model catalog wholesale. Called
// once at startup and on manual catalog refresh.
func (s *Store) ReplaceCatalog(models []CandidateModel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning catalog transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM models`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO models (model_id, name, provider, is_free) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range models {
		if _, err := stmt.Exec(m.ModelID, m.Name, m.Provider, boolToInt(m.IsFree)); err != nil {
			return fmt.Errorf("inserting model %s: %w", m.ModelID, err)
		}
	}
	return tx.Commit()
}

// ListCatalog returns the candidate model catalog, optionally filtered
// to free models only.
func (s *Store) ListCatalog(onlyFree bool) ([]CandidateModel, error) {
	query := `SELECT model_id, name, provider, is_free FROM models`
	if onlyFree {
		query += ` WHERE is_free = 1`
	}
	query += ` ORDER BY model_id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []CandidateModel
	for rows.Next() {
		var m CandidateModel
		var isFree int
		if err := rows.Scan(&m.ModelID, &m.Name, &m.Provider, &isFree); err != nil {
			return nil, err
		}
		m.IsFree = isFree != 0
		models = append(models, m)
	}
	return models, rows.Err()
}

// CatalogSize returns the number of models in the catalog.
func (s *Store) CatalogSize() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&n)
	return n, err
}

// RecordOutcome folds one quality observation into the running average
// for (userID, modelID) and increments trial_count. The update is a
// compare-and-swap on the version column, retried on conflict, so two
// concurrent evaluators never produce an inconsistent average.
func (s *Store) RecordOutcome(userID, modelID string, quality float64, at time.Time) (ModelScore, error) {
	for {
		score, err := s.recordOutcomeOnce(userID, modelID, quality, at)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return score, err
	}
}

func (s *Store) recordOutcomeOnce(userID, modelID string, quality float64, at time.Time) (ModelScore, error) {
	var cur ModelScore
	err := s.db.QueryRow(`
		SELECT score, trial_count, version FROM model_scores WHERE user_id = ? AND model_id = ?`,
		userID, modelID,
	).Scan(&cur.Score, &cur.TrialCount, &cur.Version)

	if err == sql.ErrNoRows {
		res, insErr := s.db.Exec(`
			INSERT OR IGNORE INTO model_scores (user_id, model_id, score, trial_count, last_evaluated_at, version)
			VALUES (?, ?, ?, 1, ?, 1)`,
			userID, modelID, quality, fmtTime(at),
		)
		if insErr != nil {
			return ModelScore{}, insErr
		}
		n, insErr := res.RowsAffected()
		if insErr != nil {
			return ModelScore{}, insErr
		}
		if n == 0 {
			// Concurrent insert won; retry as an update.
			return ModelScore{}, errVersionConflict
		}
		return ModelScore{UserID: userID, ModelID: modelID, Score: quality, TrialCount: 1, LastEvaluatedAt: at, Version: 1}, nil
	}
	if err != nil {
		return ModelScore{}, err
	}

	newCount := cur.TrialCount + 1
	newScore := (cur.Score*float64(cur.TrialCount) + quality) / float64(newCount)

	res, err := s.db.Exec(`
		UPDATE model_scores SET score = ?, trial_count = ?, last_evaluated_at = ?, version = version + 1
		WHERE user_id = ? AND model_id = ? AND version = ?`,
		newScore, newCount, fmtTime(at), userID, modelID, cur.Version,
	)
	if err != nil {
		return ModelScore{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ModelScore{}, err
	}
	if n != 1 {
		return ModelScore{}, errVersionConflict
	}
	return ModelScore{
		UserID: userID, ModelID: modelID,
		Score: newScore, TrialCount: newCount,
		LastEvaluatedAt: at, Version: cur.Version + 1,
	}, nil
}

// TopScores returns up to n scores for a user ordered by score
// descending, ties broken by lower trial_count then model_id. When
// onlyFree is set, models outside the free catalog are excluded.
func (s *Store) TopScores(userID string, n int, onlyFree bool) ([]ModelScore, error) {
	query := `
		SELECT ms.user_id, ms.model_id, ms.score, ms.trial_count, ms.last_evaluated_at, ms.version
		FROM model_scores ms`
	if onlyFree {
		query += ` JOIN models m ON m.model_id = ms.model_id AND m.is_free = 1`
	}
	query += `
		WHERE ms.user_id = ?
		ORDER BY ms.score DESC, ms.trial_count ASC, ms.model_id ASC
		LIMIT ?`

	rows, err := s.db.Query(query, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []ModelScore
	for rows.Next() {
		var ms ModelScore
		var evaluatedAt sql.NullString
		if err := rows.Scan(&ms.UserID, &ms.ModelID, &ms.Score, &ms.TrialCount, &evaluatedAt, &ms.Version); err != nil {
			return nil, err
		}
		if evaluatedAt.Valid {
			if ms.LastEvaluatedAt, err = parseTime(evaluatedAt.String); err != nil {
				return nil, fmt.Errorf("parsing last_evaluated_at: %w", err)
			}
		}
		scores = append(scores, ms)
	}
	return scores, rows.Err()
}

// GetScore returns the score row for (userID, modelID).
func (s *Store) GetScore(userID, modelID string) (ModelScore, error) {
	var ms ModelScore
	var evaluatedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT user_id, model_id, score, trial_count, last_evaluated_at, version
		FROM model_scores WHERE user_id = ? AND model_id = ?`,
		userID, modelID,
	).Scan(&ms.UserID, &ms.ModelID, &ms.Score, &ms.TrialCount, &evaluatedAt, &ms.Version)
	if err == sql.ErrNoRows {
		return ModelScore{}, ErrNotFound
	}
	if err != nil {
		return ModelScore{}, err
	}
	if evaluatedAt.Valid {
		if ms.LastEvaluatedAt, err = parseTime(evaluatedAt.String); err != nil {
			return ModelScore{}, fmt.Errorf("parsing last_evaluated_at: %w", err)
		}
	}
	return ms, nil
}

// GetAssignment returns the user's current model assignment.
func (s *Store) GetAssignment(userID string) (Assignment, error) {
	var a Assignment
	var assignedAt string
	err := s.db.QueryRow(`
		SELECT user_id, model_id, assigned_at, iterations_since_refresh
		FROM assignments WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &a.ModelID, &assignedAt, &a.IterationsSinceRefresh)
	if err == sql.ErrNoRows {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	if a.AssignedAt, err = parseTime(assignedAt); err != nil {
		return Assignment{}, fmt.Errorf("parsing assigned_at: %w", err)
	}
	return a, nil
}

// SetAssignment atomically replaces the user's assignment and resets
// the refresh iteration counter.
func (s *Store) SetAssignment(userID, modelID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO assignments (user_id, model_id, assigned_at, iterations_since_refresh)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(user_id) DO UPDATE SET
			model_id = excluded.model_id,
			assigned_at = excluded.assigned_at,
			iterations_since_refresh = 0`,
		userID, modelID, fmtTime(at),
	)
	return err
}

// BumpIterations increments iterations_since_refresh for the user's
// assignment and returns the new value. Returns ErrNotFound when the
// user has no assignment yet.
func (s *Store) BumpIterations(userID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE assignments SET iterations_since_refresh = iterations_since_refresh + 1
		WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	var iterations int
	err = s.db.QueryRow(`SELECT iterations_since_refresh FROM assignments WHERE user_id = ?`, userID).Scan(&iterations)
	return iterations, err
}

// ResetIterations zeroes the refresh counter without touching the
// assignment itself.
func (s *Store) ResetIterations(userID string) error {
	_, err := s.db.Exec(`UPDATE assignments SET iterations_since_refresh = 0 WHERE user_id = ?`, userID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
