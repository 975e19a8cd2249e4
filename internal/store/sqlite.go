package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS entry_indexes (
	key   TEXT NOT NULL,
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, name)
);
CREATE INDEX IF NOT EXISTS idx_entry_indexes_lookup ON entry_indexes (name, value);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries (expires_at);
`

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// One writer at a time; also keeps ":memory:" to a single shared database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put inserts or replaces an entry and rewrites its indexes.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	if e.Value == nil {
		e.Value = []byte{}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at
		`, e.Key, e.Value, e.UpdatedAt.UnixNano(), toUnix(e.ExpiresAt)); err != nil {
			return fmt.Errorf("writing entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_indexes WHERE key = ?`, e.Key); err != nil {
			return fmt.Errorf("clearing indexes: %w", err)
		}
		for name, value := range e.Indexes {
			if value == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entry_indexes (key, name, value) VALUES (?, ?, ?)`,
				e.Key, name, value); err != nil {
				return fmt.Errorf("writing index %s: %w", name, err)
			}
		}
		return nil
	})
}

// Get returns a non-expired entry by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, updated_at, expires_at FROM entries
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, time.Now().UnixNano())
	return s.scanWithIndexes(ctx, row)
}

// Lookup returns the newest non-expired entry carrying index = value.
func (s *SQLiteStore) Lookup(ctx context.Context, index, value string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.key, e.value, e.updated_at, e.expires_at
		FROM entries e JOIN entry_indexes i ON i.key = e.key
		WHERE i.name = ? AND i.value = ? AND (e.expires_at = 0 OR e.expires_at > ?)
		ORDER BY e.updated_at DESC LIMIT 1
	`, index, value, time.Now().UnixNano())
	return s.scanWithIndexes(ctx, row)
}

// Delete removes an entry and its indexes.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteKey(ctx, tx, key)
	})
}

// Expired lists keys expired at now.
func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE expires_at > 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing expired entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning expired entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteIfExpired removes key only if it is expired at now.
func (s *SQLiteStore) DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	deleted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE key = ? AND expires_at > 0 AND expires_at <= ?`,
			key, now.UnixNano())
		if err != nil {
			return fmt.Errorf("deleting expired entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		_, err = tx.ExecContext(ctx, `DELETE FROM entry_indexes WHERE key = ?`, key)
		return err
	})
	return deleted, err
}

// Len returns the number of stored entries.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanWithIndexes(ctx context.Context, row *sql.Row) (Entry, bool, error) {
	var (
		e                  Entry
		updated, expiresAt int64
	)
	err := row.Scan(&e.Key, &e.Value, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading entry: %w", err)
	}
	e.UpdatedAt = time.Unix(0, updated)
	e.ExpiresAt = fromUnix(expiresAt)

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM entry_indexes WHERE key = ?`, e.Key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Entry{}, false, fmt.Errorf("scanning index: %w", err)
		}
		if e.Indexes == nil {
			e.Indexes = make(map[string]string)
		}
		e.Indexes[name] = value
	}
	if err := rows.Err(); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_indexes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting indexes: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
