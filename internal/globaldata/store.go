// Package globaldata keeps small user-wide state that is not
// configuration, such as the most recently used models.
package globaldata

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MaxRecentModels caps the recent models list.
const MaxRecentModels = 10

// Store is backed by the host's SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the schema on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS recent_models (
		model   TEXT PRIMARY KEY,
		used_at INTEGER NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// AddRecentModel moves model to the front of the recent list and trims
// the list to MaxRecentModels.
func (s *Store) AddRecentModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("empty model name")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO recent_models (model, used_at) VALUES (?, ?)
		 ON CONFLICT (model) DO UPDATE SET used_at = excluded.used_at`,
		model, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("add recent model %s: %w", model, err)
	}
	if _, err := tx.Exec(
		`DELETE FROM recent_models WHERE model NOT IN (
			SELECT model FROM recent_models ORDER BY used_at DESC LIMIT ?
		)`, MaxRecentModels,
	); err != nil {
		return fmt.Errorf("trim recent models: %w", err)
	}
	return tx.Commit()
}

// RecentModels returns models most recent first. The result is never nil.
func (s *Store) RecentModels() ([]string, error) {
	rows, err := s.db.Query(`SELECT model FROM recent_models ORDER BY used_at DESC LIMIT ?`, MaxRecentModels)
	if err != nil {
		return nil, fmt.Errorf("list recent models: %w", err)
	}
	defer rows.Close()

	models := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan recent model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
