package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteInitTable = `CREATE TABLE IF NOT EXISTS cdc_checkpoints (
  slot TEXT PRIMARY KEY,
  version INTEGER NOT NULL,
  lsn TEXT NOT NULL,
  state TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`

// SQLiteStore persists checkpoints in a single-file SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	slot string
}

func NewSQLiteStore(ctx context.Context, dsn, slot string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;", sqliteInitTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	return &SQLiteStore{db: db, slot: slot}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Checkpoint, error) {
	return loadSQLite(ctx, s.db, s.slot)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLite(ctx context.Context, q sqliteQuerier, slot string) (*Checkpoint, error) {
	var state string
	err := q.QueryRowContext(ctx, "SELECT state FROM cdc_checkpoints WHERE slot = ?", slot).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Store: DriverSQLite, Op: "load", Err: err}
	}
	return decode(DriverSQLite, []byte(state))
}

func (s *SQLiteStore) Save(ctx context.Context, c *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Store: DriverSQLite, Op: "begin", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	prev, err := loadSQLite(ctx, tx, s.slot)
	if err != nil {
		return err
	}

	ok, err := admit(DriverSQLite, prev, c)
	if err != nil || !ok {
		return err
	}

	state, err := c.Marshal()
	if err != nil {
		return &PersistenceError{Store: DriverSQLite, Op: "encode", Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cdc_checkpoints (slot, version, lsn, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		 version = excluded.version,
		 lsn = excluded.lsn,
		 state = excluded.state,
		 updated_at = excluded.updated_at`,
		s.slot, c.Version, c.LSN.String(), string(state), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &PersistenceError{Store: DriverSQLite, Op: "upsert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Store: DriverSQLite, Op: "commit", Err: err}
	}
	return nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
