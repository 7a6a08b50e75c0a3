// Package database stores funnel page views and TLS certificates in sqlite.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/001_initial.sql
var initialMigration string

// ErrNotInitialized is returned by a nil or closed Store
var ErrNotInitialized = errors.New("database not initialized")

// Store is the sqlite-backed persistence layer
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (or creates) the database at path with WAL mode and runs the
// migrations. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	inMemory := path == ":memory:"

	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(initialMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Files returns the database file and its WAL side files
func (s *Store) Files() []string {
	if s.path == ":memory:" {
		return nil
	}
	return []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck verifies the database connection is working
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// RecordPageView stores a view of a funnel route page
func (s *Store) RecordPageView(ctx context.Context, r *http.Request, route string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (route, path, referrer, user_agent, ip_address, query_params, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		route,
		r.URL.Path,
		r.Referer(),
		r.UserAgent(),
		remoteHost(r.RemoteAddr),
		r.URL.RawQuery,
		r.Header.Get("X-Request-ID"),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record page view: %w", err)
	}
	return nil
}

// RouteCount is the number of views of one route
type RouteCount struct {
	Route    string    `json:"route"`
	Views    int64     `json:"views"`
	LastView time.Time `json:"last_view"`
}

// Stats summarizes page views since a point in time
type Stats struct {
	Since   time.Time    `json:"since"`
	Total   int64        `json:"total"`
	Unique  int64        `json:"unique_visitors"`
	ByRoute []RouteCount `json:"by_route"`
}

// PageViewStats returns view counts per route since the given time. A zero
// since counts everything.
func (s *Store) PageViewStats(ctx context.Context, since time.Time) (*Stats, error) {
	since = since.UTC()
	stats := &Stats{Since: since, ByRoute: []RouteCount{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT ip_address) FROM events WHERE created_at >= ?
	`, since).Scan(&stats.Total, &stats.Unique)
	if err != nil {
		return nil, fmt.Errorf("failed to count page views: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT route, COUNT(*) AS views, MAX(created_at)
		FROM events
		WHERE created_at >= ?
		GROUP BY route
		ORDER BY views DESC, route ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query page views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc RouteCount
		var last string
		if err := rows.Scan(&rc.Route, &rc.Views, &last); err != nil {
			return nil, fmt.Errorf("failed to scan page views: %w", err)
		}
		rc.LastView = parseTimestamp(last)
		stats.ByRoute = append(stats.ByRoute, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read page views: %w", err)
	}

	return stats, nil
}

// PruneEvents deletes events older than the cutoff and returns how many
// were removed
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// timestampFormats are the layouts go-sqlite3 writes for time.Time values.
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseTimestamp reads an aggregate timestamp, which sqlite hands back as text
func parseTimestamp(v string) time.Time {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
