package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
)

var (
	ErrSlotNotExists = errors.New("slot does not exist")
	ErrSlotClosed    = errors.New("slot is closed")
	ErrNotAcquired   = errors.New("slot is not acquired")
)

// ConflictError reports that another process owns the slot.
type ConflictError struct {
	Slot   string
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replication slot %q is in use: %s: %v", e.Slot, e.Reason, e.Err)
	}
	return fmt.Sprintf("replication slot %q is in use: %s", e.Slot, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

const infoQuery = `
	SELECT slot_name, slot_type, active, COALESCE(active_pid, 0),
	       COALESCE(restart_lsn::text, '0/0'), COALESCE(confirmed_flush_lsn::text, '0/0'),
	       COALESCE(wal_status, ''), pg_current_wal_lsn()::text
	FROM pg_replication_slots
	WHERE slot_name = $1
`

type Slot struct {
	// Configuration
	cfg            Config
	replicationDSN string

	// Dependencies
	pool     *pgxpool.Pool
	lockConn *pgxpool.Conn

	// Synchronization (always last)
	mu     sync.Mutex
	closed atomic.Bool
}

func New(cfg Config, pool *pgxpool.Pool, replicationDSN string) *Slot {
	return &Slot{
		cfg:            cfg,
		pool:           pool,
		replicationDSN: replicationDSN,
	}
}

func (s *Slot) Name() string {
	return s.cfg.Name
}

// Ensure returns the slot's info, creating the slot first when it is missing and creation is enabled.
func (s *Slot) Ensure(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.infoLocked(ctx)
	if err == nil {
		logger.Info("[slot] using existing replication slot", "name", s.cfg.Name, "confirmedFlushLSN", info.ConfirmedFlushLSN)
		return info, nil
	}
	if !errors.Is(err, ErrSlotNotExists) || !s.cfg.CreateIfNotExists {
		return nil, fmt.Errorf("replication slot info: %w", err)
	}

	if err := s.create(ctx); err != nil {
		return nil, err
	}
	logger.Info("[slot] replication slot created", "name", s.cfg.Name)

	return s.infoLocked(ctx)
}

func (s *Slot) create(ctx context.Context) error {
	conn, err := pg.Connect(ctx, s.replicationDSN, "pgcdc-slot")
	if err != nil {
		return fmt.Errorf("slot replication connect: %w", err)
	}
	defer func() {
		_ = conn.Close(context.WithoutCancel(ctx))
	}()

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.Name, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		if pg.HasCode(err, pg.CodeDuplicateObject) {
			logger.Warn("[slot] replication slot created concurrently", "name", s.cfg.Name)
			return nil
		}
		return fmt.Errorf("create replication slot: %w", err)
	}
	return nil
}

// Acquire takes exclusive ownership: an advisory lock held for the life of the slot plus an inactive-slot check.
func (s *Slot) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSlotClosed
	}
	if s.lockConn != nil {
		return nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", lockKey(s.cfg.Name)).Scan(&locked); err != nil {
		conn.Release()
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return &ConflictError{Slot: s.cfg.Name, Reason: "advisory lock is held by another process"}
	}

	info, err := s.infoLocked(ctx)
	if err != nil {
		s.unlock(ctx, conn)
		return err
	}
	if info.Active {
		s.unlock(ctx, conn)
		return &ConflictError{Slot: s.cfg.Name, Reason: fmt.Sprintf("slot is active on pid %d", info.ActivePID)}
	}

	s.lockConn = conn
	logger.Debug("[slot] ownership acquired", "name", s.cfg.Name)
	return nil
}

func lockKey(name string) string {
	return "pgcdc:" + name
}

func (s *Slot) unlock(ctx context.Context, conn *pgxpool.Conn) {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", lockKey(s.cfg.Name)); err != nil {
		logger.Warn("[slot] advisory unlock failed", "name", s.cfg.Name, "error", err)
	}
	conn.Release()
}

func (s *Slot) Info(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSlotClosed
	}

	return s.infoLocked(ctx)
}

func (s *Slot) infoLocked(ctx context.Context) (*Info, error) {
	var info Info
	var slotType, restart, confirmed, current string

	err := s.pool.QueryRow(ctx, infoQuery, s.cfg.Name).Scan(
		&info.Name, &slotType, &info.Active, &info.ActivePID, &restart, &confirmed, &info.WalStatus, &current,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotExists
	}
	if err != nil {
		return nil, fmt.Errorf("query slot info: %w", err)
	}

	info.Type = Type(slotType)
	if info.Type != Logical {
		return nil, fmt.Errorf("'%s' replication slot must be logical but it is %s", info.Name, info.Type)
	}

	for _, p := range []struct {
		text string
		dst  *pg.LSN
	}{{restart, &info.RestartLSN}, {confirmed, &info.ConfirmedFlushLSN}, {current, &info.CurrentLSN}} {
		lsn, err := pg.ParseLSN(p.text)
		if err != nil {
			return nil, fmt.Errorf("slot info: %w", err)
		}
		*p.dst = lsn
	}

	info.fill()
	return &info, nil
}

// Monitor logs slot lag every ActivityCheckInterval until ctx is done.
func (s *Slot) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ActivityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := s.Info(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, ErrSlotClosed) {
					logger.Warn("[slot] info failed", "name", s.cfg.Name, "error", err)
				}
				continue
			}
			logger.Info("[slot] status", "name", info.Name, "active", info.Active, "lag", info.Lag, "retainedWAL", info.RetainedWALSize, "walStatus", info.WalStatus)
		}
	}
}

// Drop removes the slot from the server.
func (s *Slot) Drop(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_drop_replication_slot($1)", s.cfg.Name); err != nil {
		if pg.HasCode(err, pg.CodeUndefinedObject) {
			return nil
		}
		return fmt.Errorf("drop replication slot: %w", err)
	}
	logger.Info("[slot] replication slot dropped", "name", s.cfg.Name)
	return nil
}

// Close releases ownership. The slot itself is dropped only when DropOnClose is set.
func (s *Slot) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockConn != nil {
		s.unlock(ctx, s.lockConn)
		s.lockConn = nil
	}

	if s.cfg.DropOnClose {
		return s.Drop(ctx)
	}
	return nil
}
