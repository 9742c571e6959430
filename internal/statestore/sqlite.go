package statestore

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history_states (
    id TEXT PRIMARY KEY,
    data BLOB NOT NULL
);
`

// SQLiteBackend implements Backend on a SQLite database.
type SQLiteBackend struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. The special
// path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("statestore: sqlite path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure history_states table: %w", err)
	}
	return &SQLiteBackend{sqlDB: sqlDB}, nil
}

// Save upserts data under id.
func (b *SQLiteBackend) Save(id string, data []byte) error {
	if id == "" {
		return errors.New("statestore: empty id")
	}
	if data == nil {
		data = []byte{}
	}
	_, err := b.sqlDB.Exec(
		`INSERT INTO history_states (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		id, data,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", id, err)
	}
	return nil
}

// Load returns the payload stored under id, or (nil, nil).
func (b *SQLiteBackend) Load(id string) ([]byte, error) {
	var data []byte
	err := b.sqlDB.QueryRow(`SELECT data FROM history_states WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the payloads stored under ids in one transaction.
func (b *SQLiteBackend) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM history_states WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete state %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
