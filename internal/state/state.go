// Package state keeps a local SQLite record of link sessions and the builds
// they triggered, so that `applink status` can show history after the
// session has exited.
//
// The database runs in WAL mode so the status command can read while a link
// session writes.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrSessionNotFound is returned when a session ID has no row.
var ErrSessionNotFound = errors.New("session not found")

// Session outcomes.
const (
	SessionActive  = "active"
	SessionLinked  = "linked"
	SessionPartial = "partial"
	SessionFailed  = "failed"
)

// Build is one recorded build.
type Build struct {
	ID        int64
	SessionID string
	Kind      string // full or incremental
	Files     int
	Bytes     int64
	Result    string // start, success, fail, timeout, error
	Code      string
	Message   string
	BuildID   string
	CreatedAt time.Time
}

// SessionRecord is one link session.
type SessionRecord struct {
	ID        string
	Locator   string
	Workspace string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at path and initializes the schema.
//
// The caller must call Close when done.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext opens the database with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// DefaultPath returns the state database location under the user cache dir.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "applink", "state.db")
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		locator TEXT NOT NULL,
		workspace TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT
	);

	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		files INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL,
		code TEXT,
		message TEXT,
		build_id TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_builds_session ON builds(session_id);
	CREATE INDEX IF NOT EXISTS idx_builds_created ON builds(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_locator ON sessions(locator, started_at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// BeginSession records a new active session and returns its ID.
func (db *DB) BeginSession(ctx context.Context, locator, workspace string) (string, error) {
	id := uuid.New().String()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, locator, workspace, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, locator, workspace, SessionActive, now())
	if err != nil {
		return "", fmt.Errorf("failed to record session: %w", err)
	}
	return id, nil
}

// EndSession marks a session finished with status linked, partial or
// failed.
func (db *DB) EndSession(ctx context.Context, id, status string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// RecordBuild appends a build row.
func (db *DB) RecordBuild(ctx context.Context, b Build) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO builds (session_id, kind, files, bytes, result, code, message, build_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.SessionID, b.Kind, b.Files, b.Bytes, b.Result,
		nullString(b.Code), nullString(b.Message), nullString(b.BuildID), now())
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

// RecentBuilds returns up to limit builds, newest first.
func (db *DB) RecentBuilds(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, session_id, kind, files, bytes, result, code, message, build_id, created_at
	FROM builds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var (
			b                      Build
			code, message, buildID sql.NullString
			created                string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Kind, &b.Files, &b.Bytes, &b.Result, &code, &message, &buildID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		b.Code, b.Message, b.BuildID = code.String, message.String, buildID.String
		b.CreatedAt, _ = time.Parse(timeFormat, created)
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// LastSession returns the most recent session for locator, or
// ErrSessionNotFound.
func (db *DB) LastSession(ctx context.Context, locator string) (*SessionRecord, error) {
	var (
		s       SessionRecord
		started string
		ended   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT id, locator, workspace, status, started_at, ended_at
	FROM sessions WHERE locator = ? ORDER BY started_at DESC LIMIT 1`, locator).
		Scan(&s.ID, &s.Locator, &s.Workspace, &s.Status, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	s.StartedAt, _ = time.Parse(timeFormat, started)
	if ended.Valid {
		t, _ := time.Parse(timeFormat, ended.String)
		s.EndedAt = &t
	}
	return &s, nil
}

// timeFormat has a fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
