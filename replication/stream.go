package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/slot"
	"github.com/snapflowio/pgcdc/typemap"
)

var (
	ErrNotOpen     = errors.New("stream is not open")
	ErrAlreadyOpen = errors.New("stream is already open")
	ErrClosed      = errors.New("stream is closed")
)

const (
	DefaultQueueSize      = 1_000
	DefaultStatusInterval = 10 * time.Second
)

// DefaultReconnectPolicy outlasts the server's default wal_sender_timeout, which bounds how long a
// dropped connection's walsender can keep the slot active.
var DefaultReconnectPolicy = pg.RetryPolicy{
	Attempts: 10,
	Delay:    time.Second,
	MaxDelay: 30 * time.Second,
}

type Config struct {
	DSN             string
	Slot            string
	Publication     string
	QueueSize       int
	StatusInterval  time.Duration
	ApplicationName string
	Retry           pg.RetryPolicy
}

func (c *Config) SetDefault() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "pgcdc"
	}
	if c.Retry == (pg.RetryPolicy{}) {
		c.Retry = DefaultReconnectPolicy
	}
}

// walConn is the part of a replication connection the drain uses.
type walConn interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendStatus(ctx context.Context, lsn pg.LSN) error
	Close(ctx context.Context) error
	IsClosed() bool
}

type pgConn struct {
	*pgconn.PgConn
}

func (c pgConn) SendStatus(ctx context.Context, lsn pg.LSN) error {
	pos := lsn.Replication()
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.PgConn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
		ClientTime:       time.Now(),
	})
}

// Stream reads pgoutput changes from a logical replication slot.
type Stream struct {
	// Configuration and dependencies
	cfg     Config
	decoder *decoder

	// Connection and system info
	dial   func(ctx context.Context, start pg.LSN) (walConn, error)
	conn   walConn
	system pglogrepl.IdentifySystemResult

	// State
	acked atomic.Uint64
	err   error

	// Channels
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	// Synchronization (always last)
	mu        sync.Mutex
	opened    atomic.Bool
	closeOnce sync.Once
}

func NewStream(cfg Config, registry *typemap.Registry, tables TableResolver) *Stream {
	cfg.SetDefault()
	s := &Stream{
		cfg:     cfg,
		decoder: newDecoder(registry, tables),
		events:  make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	s.dial = s.connect
	return s
}

// Open starts replication at start and launches the drain goroutine. A zero start resumes at the slot's confirmed position.
func (s *Stream) Open(ctx context.Context, start pg.LSN) error {
	if s.opened.Swap(true) {
		return ErrAlreadyOpen
	}

	c, err := s.dial(ctx, start)
	if err != nil {
		s.opened.Store(false)
		return err
	}
	s.setConn(c)
	s.acked.Store(uint64(start))

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.drain(dctx)

	logger.Info("[stream] started", "slot", s.cfg.Slot, "publication", s.cfg.Publication, "startLSN", start)
	return nil
}

func (s *Stream) connect(ctx context.Context, start pg.LSN) (walConn, error) {
	conn, err := pg.Connect(ctx, s.cfg.DSN, s.cfg.ApplicationName)
	if err != nil {
		return nil, fmt.Errorf("stream connection: %w", err)
	}

	system, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("identify system: %w", err)
	}
	logger.Info("[stream] system identification", "systemID", system.SystemID, "timeline", system.Timeline, "xLogPos", system.XLogPos, "database", system.DBName)

	err = pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, start.Replication(), pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names " + pq.QuoteLiteral(s.cfg.Publication),
		},
	})
	if err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		if pg.HasCode(err, pg.CodeObjectInUse) {
			return nil, &slot.ConflictError{Slot: s.cfg.Slot, Reason: "slot is active for another connection", Err: err}
		}
		return nil, fmt.Errorf("start replication: %w", err)
	}

	s.mu.Lock()
	s.system = system
	s.mu.Unlock()
	return pgConn{conn}, nil
}

func (s *Stream) setConn(c walConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

// reconnectable reports whether a failed reconnect is worth another attempt. A slot conflict is:
// this process holds the slot's advisory lock, so the active walsender is the one serving the
// connection just lost, and the server releases it once it notices.
func reconnectable(err error) bool {
	var conflict *slot.ConflictError
	return pg.IsTransient(err) || errors.As(err, &conflict)
}

// Next blocks until an event is available, the stream fails or ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if !s.opened.Load() {
		return Event{}, ErrNotOpen
	}

	select {
	case ev, ok := <-s.events:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return Event{}, s.err
			}
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Ack records lsn as durably processed. Lower values are ignored; the position is sent with the next status update.
func (s *Stream) Ack(lsn pg.LSN) {
	for {
		cur := s.acked.Load()
		if uint64(lsn) <= cur || s.acked.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

func (s *Stream) Acked() pg.LSN {
	return pg.LSN(s.acked.Load())
}

func (s *Stream) SystemInfo() pglogrepl.IdentifySystemResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system
}

func (s *Stream) drain(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	logger.Info("[stream] drain started")

	for {
		err := s.receive(ctx)
		if ctx.Err() != nil {
			s.sendFinalStatus()
			logger.Info("[stream] drain stopped")
			return
		}

		s.closeConn(ctx)
		if !pg.IsTransient(err) {
			s.fail(err)
			return
		}

		restart := s.Acked()
		logger.Warn("[stream] connection lost, reconnecting", "error", err, "restartLSN", restart)
		s.decoder.reset()

		err = pg.RetryIf(ctx, "stream reconnect", s.cfg.Retry, reconnectable, func() error {
			c, err := s.dial(ctx, restart)
			if err != nil {
				return err
			}
			s.setConn(c)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
	}
}

func (s *Stream) fail(err error) {
	logger.Error("[stream] drain failed", "error", err)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) receive(ctx context.Context) error {
	nextStatus := time.Now().Add(s.cfg.StatusInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !time.Now().Before(nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
			nextStatus = time.Now().Add(s.cfg.StatusInterval)
		}

		rctx, cancel := context.WithDeadline(ctx, nextStatus)
		raw, err := s.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return pgconn.ErrorResponseToPgError(msg)

		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}

			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse keepalive: %w", err)
				}
				if pkm.ReplyRequested {
					nextStatus = time.Time{}
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse xlog data: %w", err)
				}

				ev, err := s.decoder.decode(xld.WALData)
				if err != nil {
					return err
				}
				if ev == nil {
					continue
				}
				if err := s.push(ctx, *ev); err != nil {
					return err
				}
			}

		default:
			logger.Warn("[stream] unexpected message", "type", fmt.Sprintf("%T", raw))
		}
	}
}

// push enqueues ev. While the queue is full it keeps the connection alive with status updates at the acknowledged position.
func (s *Stream) push(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
	}

	logger.Debug("[stream] queue full, pausing reads", "queueSize", cap(s.events))

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case s.events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) sendStatus(ctx context.Context) error {
	acked := s.Acked()
	if err := s.conn.SendStatus(ctx, acked); err != nil {
		return fmt.Errorf("send standby status update: %w", err)
	}

	logger.Debug("[stream] standby status update", "ackedLSN", acked)
	return nil
}

func (s *Stream) sendFinalStatus() {
	if s.conn == nil || s.conn.IsClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sendStatus(ctx); err != nil {
		logger.Warn("[stream] final status update failed", "error", err)
	}
}

func (s *Stream) closeConn(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() {
		_ = s.conn.Close(context.WithoutCancel(ctx))
	}
}

// Close stops the drain and closes the connection. It never drops the slot.
func (s *Stream) Close(ctx context.Context) error {
	if !s.opened.Load() {
		return nil
	}

	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.closeConn(ctx)
		logger.Info("[stream] closed", "slot", s.cfg.Slot, "ackedLSN", s.Acked())
	})
	return nil
}
