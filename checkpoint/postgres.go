package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/internal/pg"
)

// PostgresStore persists checkpoints in a Postgres table, one row per slot.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	slot  string
}

func NewPostgresStore(ctx context.Context, dsn, table, slot string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if table == "" {
		table = DefaultTable
	}

	pool, err := pg.NewPool(ctx, dsn, "pgcdc-checkpoint", 2)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, table: sanitizeTable(table), slot: slot}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	slot TEXT PRIMARY KEY,
	version INT NOT NULL,
	lsn TEXT NOT NULL,
	state JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, s.table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	return s, nil
}

func sanitizeTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*Checkpoint, error) {
	return s.load(ctx, s.pool, "")
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) load(ctx context.Context, q pgQuerier, suffix string) (*Checkpoint, error) {
	var state []byte
	query := fmt.Sprintf("SELECT state FROM %s WHERE slot = $1%s", s.table, suffix)
	err := q.QueryRow(ctx, query, s.slot).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Store: DriverPostgres, Op: "load", Err: err}
	}
	return decode(DriverPostgres, state)
}

func (s *PostgresStore) Save(ctx context.Context, c *Checkpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Store: DriverPostgres, Op: "begin", Err: err}
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	prev, err := s.load(ctx, tx, " FOR UPDATE")
	if err != nil {
		return err
	}

	ok, err := admit(DriverPostgres, prev, c)
	if err != nil || !ok {
		return err
	}

	state, err := c.Marshal()
	if err != nil {
		return &PersistenceError{Store: DriverPostgres, Op: "encode", Err: err}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (slot, version, lsn, state, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (slot)
		 DO UPDATE SET version = EXCLUDED.version, lsn = EXCLUDED.lsn, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`, s.table),
		s.slot, c.Version, c.LSN.String(), state,
	)
	if err != nil {
		return &PersistenceError{Store: DriverPostgres, Op: "upsert", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Store: DriverPostgres, Op: "commit", Err: err}
	}
	return nil
}
