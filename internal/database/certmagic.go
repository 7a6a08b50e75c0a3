package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
)

// SQLCertStorage implements certmagic.Storage on the certificates table.
// Locks are held in process; a single server instance owns the database.
type SQLCertStorage struct {
	db  *sql.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ certmagic.Storage = (*SQLCertStorage)(nil)

// NewSQLCertStorage creates certificate storage backed by the store
func NewSQLCertStorage(s *Store) *SQLCertStorage {
	return &SQLCertStorage{
		db:    s.db,
		now:   time.Now,
		locks: make(map[string]chan struct{}),
	}
}

// Store saves value under key
func (s *SQLCertStorage) Store(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Load retrieves the value stored under key
func (s *SQLCertStorage) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM certificates WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fs.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

// Delete removes key and, like a directory, everything below it
func (s *SQLCertStorage) Delete(ctx context.Context, key string) error {
	dir := strings.TrimSuffix(key, "/") + "/"
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM certificates WHERE key = ? OR substr(key, 1, length(?)) = ?
	`, key, dir, dir)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fs.ErrNotExist
	}
	return nil
}

// Exists reports whether key is a stored value or a prefix of one
func (s *SQLCertStorage) Exists(ctx context.Context, key string) bool {
	dir := strings.TrimSuffix(key, "/") + "/"
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM certificates WHERE key = ? OR substr(key, 1, length(?)) = ?
	`, key, dir, dir).Scan(&count)
	return err == nil && count > 0
}

// List returns the keys below prefix. Without recursion only the direct
// children are returned, directories included.
func (s *SQLCertStorage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	dir := strings.TrimSuffix(prefix, "/")
	if dir != "" {
		dir += "/"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM certificates WHERE substr(key, 1, length(?)) = ? ORDER BY key
	`, dir, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if !recursive {
			rel := strings.TrimPrefix(key, dir)
			if i := strings.Index(rel, "/"); i != -1 {
				key = dir + rel[:i]
			}
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fs.ErrNotExist
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat returns information about key
func (s *SQLCertStorage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	var size int64
	var modified time.Time

	err := s.db.QueryRowContext(ctx, "SELECT length(value), updated_at FROM certificates WHERE key = ?", key).Scan(&size, &modified)
	if err == nil {
		return certmagic.KeyInfo{Key: key, Modified: modified, Size: size, IsTerminal: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return certmagic.KeyInfo{}, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	if s.Exists(ctx, key) {
		return certmagic.KeyInfo{Key: key, IsTerminal: false}, nil
	}
	return certmagic.KeyInfo{}, fs.ErrNotExist
}

// Lock blocks until name is free or ctx is done
func (s *SQLCertStorage) Lock(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		held, ok := s.locks[name]
		if !ok {
			s.locks[name] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases name
func (s *SQLCertStorage) Unlock(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[name]
	if !ok {
		return fmt.Errorf("lock %s is not held", name)
	}
	delete(s.locks, name)
	close(held)
	return nil
}

func (s *SQLCertStorage) String() string {
	return "SQLCertStorage"
}
