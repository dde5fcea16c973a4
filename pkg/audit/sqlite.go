package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig contains configuration for the SQLite audit sink.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite sink configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteSink implements Sink on an append-only SQLite table.
// WAL mode is enabled so event appends do not block retention pruning.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (or creates) the database at cfg.Path and
// initializes the schema.
func NewSQLiteSink(cfg *SQLiteConfig) (*SQLiteSink, error) {
	if cfg == nil {
		cfg = DefaultSQLiteConfig()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &SQLiteSink{
		db:     db,
		logger: slog.Default().With("component", "audit.sqlite"),
	}

	if err := s.initialize(cfg); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("audit sink initialized", "path", cfg.Path)
	return s, nil
}

// initialize enables WAL mode and creates the schema.
func (s *SQLiteSink) initialize(cfg *SQLiteConfig) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS security_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT    NOT NULL,
	key_id     TEXT    NOT NULL,
	details    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_key_id ON security_events(key_id);
CREATE INDEX IF NOT EXISTS idx_security_events_created_at ON security_events(created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize audit schema: %w", err)
	}
	return nil
}

// RecordSecurityEvent implements Sink.
func (s *SQLiteSink) RecordSecurityEvent(ctx context.Context, eventType, keyID string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO security_events (event_type, key_id, details, created_at) VALUES (?, ?, ?, ?)",
		eventType, keyID, string(payload), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// CountEvents returns the number of stored events for a key identifier.
// Used by operational tooling and tests.
func (s *SQLiteSink) CountEvents(ctx context.Context, keyID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM security_events WHERE key_id = ?", keyID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return n, nil
}

// PruneBefore deletes events created before the cutoff and returns the
// number of rows removed.
func (s *SQLiteSink) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM security_events WHERE created_at < ?", cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
