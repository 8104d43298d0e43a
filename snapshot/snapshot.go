package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/typemap"
)

const (
	DefaultPageSize          = 8_000
	DefaultKeepaliveInterval = 30 * time.Second
)

// Key holds the text form of a row's primary key columns, in key order.
type Key []string

type Page struct {
	Rows    []*catalog.RowImage
	LastKey Key
	Done    bool
}

// ConsistencyError reports that a snapshot can no longer give a consistent view.
type ConsistencyError struct {
	Table string
	Err   error
}

func (e *ConsistencyError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("snapshot consistency: %v", e.Err)
	}
	return fmt.Sprintf("snapshot consistency on %s: %v", e.Table, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

var ErrIsolationLevel = errors.New("snapshot transaction is not repeatable read")

type Option func(*Reader)

func WithPageSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.keepalive = d
		}
	}
}

func WithRetryPolicy(p pg.RetryPolicy) Option {
	return func(r *Reader) {
		r.retry = p
	}
}

// WithReplicationDSN makes Open export its snapshot from a temporary logical slot on a replication
// connection. The session boundary is then the slot's consistent point.
func WithReplicationDSN(dsn string) Option {
	return func(r *Reader) {
		r.replicationDSN = dsn
	}
}

// Reader reads consistent pages of tables under one exported snapshot.
type Reader struct {
	pool           *pgxpool.Pool
	registry       *typemap.Registry
	replicationDSN string
	pageSize       int
	keepalive      time.Duration
	retry          pg.RetryPolicy
}

func NewReader(pool *pgxpool.Pool, registry *typemap.Registry, opts ...Option) *Reader {
	r := &Reader{
		pool:      pool,
		registry:  registry,
		pageSize:  DefaultPageSize,
		keepalive: DefaultKeepaliveInterval,
		retry:     pg.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) PageSize() int {
	return r.pageSize
}

// Open exports a snapshot and keeps it alive until Close. With a replication DSN the snapshot comes
// from a temporary slot; otherwise a repeatable read transaction on a pooled connection exports it.
func (r *Reader) Open(ctx context.Context) (*Session, error) {
	if r.replicationDSN != "" {
		return r.openFromSlot(ctx)
	}

	var s *Session
	err := pg.Retry(ctx, "export snapshot", r.retry, func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		tx, id, boundary, err := exportSnapshot(ctx, conn)
		if err != nil {
			conn.Release()
			return err
		}

		s = &Session{reader: r, conn: conn, tx: tx, id: id, boundary: boundary}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.keepalive(kctx, r.keepalive)

	logger.Info("[snapshot] exported", "snapshotID", s.id, "boundary", s.boundary)
	return s, nil
}

func (r *Reader) openFromSlot(ctx context.Context) (*Session, error) {
	var s *Session
	err := pg.Retry(ctx, "export slot snapshot", r.retry, func() error {
		conn, err := pg.Connect(ctx, r.replicationDSN, "")
		if err != nil {
			return err
		}

		id, boundary, err := exportSlotSnapshot(ctx, conn)
		if err != nil {
			_ = conn.Close(ctx)
			return err
		}

		s = &Session{reader: r, replication: conn, id: id, boundary: boundary}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[snapshot] exported from temporary slot", "snapshotID", s.id, "boundary", s.boundary)
	return s, nil
}

// Session is one exported snapshot shared by all page reads.
type Session struct {
	reader   *Reader
	id       string
	boundary pg.LSN

	// Export transaction, when exported from a pooled connection
	conn   *pgxpool.Conn
	tx     pgx.Tx
	cancel context.CancelFunc
	done   chan struct{}

	// Idle replication connection holding the temporary slot
	replication *pgconn.PgConn

	// Synchronization (always last)
	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *Session) ID() string {
	return s.id
}

// Boundary is the WAL position the snapshot is consistent with.
func (s *Session) Boundary() pg.LSN {
	return s.boundary
}

func (s *Session) keepalive(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_, err := s.tx.Exec(ctx, "SELECT 1")
			s.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				logger.Warn("[snapshot] keepalive failed", "snapshotID", s.id, "error", err)
			}
		}
	}
}

// ReadPage returns up to PageSize rows of table ordered by primary key, strictly after the given key.
func (s *Session) ReadPage(ctx context.Context, table *catalog.Table, after Key) (Page, error) {
	if len(table.PrimaryKey) == 0 {
		return Page{}, &ConsistencyError{Table: table.ID.String(), Err: catalog.ErrNoPrimaryKey}
	}
	if after != nil && len(after) != len(table.PrimaryKey) {
		return Page{}, fmt.Errorf("resume key for %s has %d values, primary key has %d columns", table.ID, len(after), len(table.PrimaryKey))
	}

	query, args := buildPageQuery(table, after, s.reader.pageSize)

	var page Page
	err := pg.Retry(ctx, "snapshot page "+table.ID.String(), s.reader.retry, func() error {
		p, err := s.readPage(ctx, table, query, args)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	if page.LastKey == nil {
		page.LastKey = after
	}
	logger.Debug("[snapshot] page read", "table", table.ID, "rows", len(page.Rows), "lastKey", page.LastKey, "done", page.Done)
	return page, nil
}

func (s *Session) readPage(ctx context.Context, table *catalog.Table, query string, args []any) (Page, error) {
	conn, err := s.reader.pool.Acquire(ctx)
	if err != nil {
		return Page{}, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Page{}, fmt.Errorf("begin page transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := setTransactionSnapshot(ctx, tx, s.id); err != nil {
		if pg.IsInvalidSnapshot(err) {
			return Page{}, &ConsistencyError{Table: table.ID.String(), Err: err}
		}
		return Page{}, err
	}

	if err := checkIsolation(ctx, tx); err != nil {
		return Page{}, &ConsistencyError{Table: table.ID.String(), Err: err}
	}

	rows, err := tx.Query(ctx, query, append([]any{pgx.QueryExecModeSimpleProtocol}, args...)...)
	if err != nil {
		return Page{}, fmt.Errorf("query page of %s: %w", table.ID, err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		row, key, err := decodeRow(s.reader.registry, table, rows.RawValues())
		if err != nil {
			return Page{}, err
		}
		page.Rows = append(page.Rows, row)
		page.LastKey = key
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("read page of %s: %w", table.ID, err)
	}

	page.Done = len(page.Rows) < s.reader.pageSize
	if err := tx.Commit(ctx); err != nil {
		return Page{}, fmt.Errorf("commit page transaction: %w", err)
	}
	return page, nil
}

// Close ends the exported snapshot and returns its connection. Closing the replication connection
// drops the temporary slot.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.replication != nil {
			err = s.replication.Close(ctx)
			logger.Info("[snapshot] closed", "snapshotID", s.id)
			return
		}

		s.cancel()
		<-s.done

		s.mu.Lock()
		defer s.mu.Unlock()

		if cErr := s.tx.Commit(ctx); cErr != nil {
			logger.Warn("[snapshot] commit of export transaction failed, rolling back", "error", cErr)
			_ = s.tx.Rollback(ctx)
			err = cErr
		}
		s.conn.Release()
		logger.Info("[snapshot] closed", "snapshotID", s.id)
	})
	return err
}
