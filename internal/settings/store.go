// Package settings persists user configuration values at two scopes:
// global (per user) and project (per workspace root). Values are stored
// as JSON under dotted key paths such as provider.qwen.options.apiKey.
package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// GlobalScope is the scope name for user-wide values.
const GlobalScope = "global"

// OpenDB opens the host's SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store is a scoped key-value store backed by SQLite. All methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS config_values (
		scope      TEXT NOT NULL,
		key_path   TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, key_path)
	);`)
	return err
}

func (s *Store) get(scope, keyPath string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM config_values WHERE scope = ? AND key_path = ?`,
		scope, keyPath,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", scope, keyPath, err)
	}
	return json.RawMessage(value), true, nil
}

func (s *Store) set(scope, keyPath string, value json.RawMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO config_values (scope, key_path, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, key_path) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, keyPath, string(value), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", scope, keyPath, err)
	}
	return nil
}

func (s *Store) delete(scope, keyPath string) error {
	_, err := s.db.Exec(
		`DELETE FROM config_values WHERE scope = ? AND key_path = ?`,
		scope, keyPath,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", scope, keyPath, err)
	}
	return nil
}

func (s *Store) list(scope string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(
		`SELECT key_path, value FROM config_values WHERE scope = ? ORDER BY key_path`,
		scope,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	defer rows.Close()

	result := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", scope, err)
		}
		result[k] = json.RawMessage(v)
	}
	return result, rows.Err()
}

// For returns the view of the store seen from the workspace rooted at
// projectRoot.
func (s *Store) For(projectRoot string) *View {
	return &View{store: s, project: "project:" + projectRoot}
}

// View reads and writes settings on behalf of one workspace. Project
// values shadow global ones on read.
type View struct {
	store   *Store
	project string
}

func (v *View) scope(global bool) string {
	if global {
		return GlobalScope
	}
	return v.project
}

// Set stores value (marshalled to JSON) under keyPath at the global or
// project scope.
func (v *View) Set(global bool, keyPath string, value any) error {
	if err := validKeyPath(keyPath); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", keyPath, err)
	}
	return v.store.set(v.scope(global), keyPath, raw)
}

// Get returns the effective raw JSON value for keyPath and whether it
// exists at either scope.
func (v *View) Get(keyPath string) (json.RawMessage, bool, error) {
	raw, ok, err := v.store.get(v.project, keyPath)
	if err != nil || ok {
		return raw, ok, err
	}
	return v.store.get(GlobalScope, keyPath)
}

// GetString is Get for values stored as JSON strings. A missing key or
// a non-string value yields "".
func (v *View) GetString(keyPath string) (string, error) {
	raw, ok, err := v.Get(keyPath)
	if err != nil || !ok {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", nil
	}
	return s, nil
}

// Delete removes keyPath at one scope.
func (v *View) Delete(global bool, keyPath string) error {
	return v.store.delete(v.scope(global), keyPath)
}

// List returns every value stored at one scope.
func (v *View) List(global bool) (map[string]json.RawMessage, error) {
	return v.store.list(v.scope(global))
}

func validKeyPath(keyPath string) error {
	if keyPath == "" {
		return fmt.Errorf("empty key path")
	}
	for _, part := range strings.Split(keyPath, ".") {
		if part == "" {
			return fmt.Errorf("invalid key path %q", keyPath)
		}
	}
	return nil
}
