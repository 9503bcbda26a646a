package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteStoreTable = "fieldsync_kv"

// SQLiteStore persists keys in a single table of an embedded SQLite file.
type SQLiteStore struct {
	path string
	lock *fileLock
	db   *sql.DB

	closeOnce sync.Once
	closeErr  error
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	var lock *fileLock
	if path != ":memory:" {
		var err error
		if lock, err = acquireFileLock(path + ".lock"); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.release()
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = lock.release()
			return nil, fmt.Errorf("configure sqlite store: %w", err)
		}
	}
	createQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
		)`, sqliteStoreTable)
	if _, err := db.Exec(createQuery); err != nil {
		_ = db.Close()
		_ = lock.release()
		return nil, fmt.Errorf("create sqlite store table: %w", err)
	}
	return &SQLiteStore{path: path, lock: lock, db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", sqliteStoreTable)
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES (?, ?, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
		ON CONFLICT (key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, sqliteStoreTable)
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, query, key, value)
	return s.wrap(err)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", sqliteStoreTable)
	_, err := s.db.ExecContext(ctx, query, key)
	return s.wrap(err)
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf("SELECT key FROM %s WHERE substr(key, 1, ?) = ? ORDER BY key ASC", sqliteStoreTable)
	rows, err := s.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.db.Close(), s.lock.release())
	})
	return s.closeErr
}

func (s *SQLiteStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}
