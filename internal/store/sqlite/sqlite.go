// Package sqlite implements storage.Store on SQLite for deployments
// that want per-event durability instead of periodic snapshots.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mira/teltow/pkg/event"
	"github.com/mira/teltow/pkg/storage"
)

// Options holds database configuration options.
type Options struct {
	// MaxOpenConns is the maximum number of open connections.
	// 0 or negative means no limit.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime sets how long a connection may be reused.
	ConnMaxLifetime time.Duration

	// EnableWAL enables Write-Ahead Logging mode for better
	// concurrency. Recommended for production use.
	EnableWAL bool

	// CacheSize sets the database cache size; negative values are KB
	// (e.g., -2000 = 2MB cache).
	CacheSize int

	// BusyTimeout sets the busy timeout.
	BusyTimeout time.Duration
}

// DefaultOptions returns default database options.
func DefaultOptions() *Options {
	return &Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		EnableWAL:       true,
		CacheSize:       -2000,
		BusyTimeout:     5 * time.Second,
	}
}

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store with default options.
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, DefaultOptions())
}

// NewWithOptions creates a new SQLite store with custom options.
func NewWithOptions(dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.configurePerformance(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure performance: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) configurePerformance(opts *Options) error {
	if opts.EnableWAL {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if opts.CacheSize != 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA cache_size=%d;", opts.CacheSize)); err != nil {
			return fmt.Errorf("failed to set cache size: %w", err)
		}
	}

	if opts.BusyTimeout > 0 {
		timeoutMs := int(opts.BusyTimeout.Milliseconds())
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", timeoutMs)); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// NORMAL is a good balance of safety and performance under WAL.
	if _, err := s.db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := s.db.Exec("PRAGMA temp_store=MEMORY;"); err != nil {
		return fmt.Errorf("failed to set temp store: %w", err)
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			tags TEXT,
			content TEXT NOT NULL,
			sig TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
		`,
	},
	{
		version: 2,
		sql: `
		CREATE TABLE IF NOT EXISTS event_tags (
			event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value);
		CREATE INDEX IF NOT EXISTS idx_event_tags_event_id ON event_tags(event_id);
		`,
	},
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}

		_, err = s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SaveEvent stores an event and its tag rows in one transaction.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	tagsJSON, err := json.Marshal(evt.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, string(tagsJSON), evt.Content, evt.Sig)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM event_tags WHERE event_id = ?", evt.ID); err != nil {
		return fmt.Errorf("failed to clear tag rows: %w", err)
	}

	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		value := ""
		if len(tag) >= 2 {
			value = tag[1]
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)",
			evt.ID, tag[0], value); err != nil {
			return fmt.Errorf("failed to save tag row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteEvent removes an event and its tag rows. The tag rows go
// explicitly rather than via cascade: the foreign_keys pragma is
// per-connection and the pool hands out connections it was never run
// on.
func (s *Store) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM event_tags WHERE event_id = ?", eventID); err != nil {
		return false, fmt.Errorf("failed to delete tag rows: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", eventID)
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return affected > 0, nil
}

// GetEvent retrieves a single event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE id = ?", eventID)

	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

// QueryEvents retrieves events matching the filters, OR'd together and
// deduplicated by ID, each filter's limit applied to its own result.
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	var results []*event.Event
	seen := make(map[string]bool)

	for _, filter := range filters {
		events, err := s.queryFilter(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to query filter: %w", err)
		}
		for _, evt := range events {
			if !seen[evt.ID] {
				results = append(results, evt)
				seen[evt.ID] = true
			}
		}
	}

	return results, nil
}

// queryFilter builds a single SELECT for one filter. Asserted-but-empty
// dimensions compile to a contradiction so they match nothing, matching
// the in-memory engine's seed semantics.
func (s *Store) queryFilter(ctx context.Context, f *event.Filter) ([]*event.Event, error) {
	var conditions []string
	var args []interface{}

	if f.Kinds != nil {
		if len(f.Kinds) == 0 {
			conditions = append(conditions, "1 = 0")
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
			conditions = append(conditions, "kind IN ("+placeholders+")")
			for _, kind := range f.Kinds {
				args = append(args, kind)
			}
		}
	}

	if f.Authors != nil {
		if len(f.Authors) == 0 {
			conditions = append(conditions, "1 = 0")
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Authors)), ",")
			conditions = append(conditions, "pubkey IN ("+placeholders+")")
			for _, author := range f.Authors {
				args = append(args, author)
			}
		}
	}

	for name, values := range f.Tags {
		if len(values) == 0 {
			conditions = append(conditions, "1 = 0")
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		conditions = append(conditions,
			"id IN (SELECT event_id FROM event_tags WHERE name = ? AND value IN ("+placeholders+"))")
		args = append(args, name)
		for _, value := range values {
			args = append(args, value)
		}
	}

	if f.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *f.Until)
	}

	query := "SELECT id, pubkey, created_at, kind, tags, content, sig FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	// Only a positive limit truncates; zero and negative limits are
	// treated as unset.
	if f.Limit != nil && *f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, *f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var evt event.Event
	var tagsJSON sql.NullString

	err := row.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &evt.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}

	return &evt, nil
}
