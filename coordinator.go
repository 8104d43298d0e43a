package pgcdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/replication"
	"github.com/snapflowio/pgcdc/snapshot"
)

// Snapshots opens exported snapshots.
type Snapshots interface {
	Open(ctx context.Context) (SnapshotSession, error)
}

// SnapshotSession reads pages from one exported snapshot. Boundary is the WAL position the snapshot
// is consistent with: every transaction committed at or below it is visible and none after it is.
type SnapshotSession interface {
	Boundary() pg.LSN
	ReadPage(ctx context.Context, table *catalog.Table, after snapshot.Key) (snapshot.Page, error)
	Close(ctx context.Context) error
}

// Changes is the replication change stream.
type Changes interface {
	Open(ctx context.Context, start pg.LSN) error
	Next(ctx context.Context) (replication.Event, error)
	Ack(lsn pg.LSN)
	Close(ctx context.Context) error
}

type CoordinatorConfig struct {
	Slot         string
	SnapshotOnly bool
	Tables       []*catalog.Table

	BatchSize     int
	FlushInterval time.Duration
	InitialWait   time.Duration
	ExitWhenIdle  bool
	// StopTimeout bounds how long a stop waits for the commit of a transaction it interrupted.
	StopTimeout time.Duration
}

func (c *CoordinatorConfig) SetDefault() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.InitialWait <= 0 {
		c.InitialWait = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}

// Coordinator sequences the initial snapshot with the change stream so every row is emitted once
// across the handoff and across restarts.
type Coordinator struct {
	// Configuration and dependencies
	cfg       CoordinatorConfig
	snapshots Snapshots
	changes   Changes
	store     checkpoint.Store
	handler   Handler

	// Selection
	tables map[catalog.TableID]*catalog.Table
	order  []catalog.TableID

	// Progress
	cp          *checkpoint.Checkpoint
	saved       *checkpoint.Checkpoint
	lastEmitted replication.Position

	// Pending batch
	inTx       bool
	emitted    int
	commitLSN  pg.LSN
	endLSN     pg.LSN
	lastFlush  time.Time
	lastChange time.Time

	// Synchronization (always last)
	stopMu sync.Mutex
	stop   context.CancelFunc
	halted bool
}

func NewCoordinator(cfg CoordinatorConfig, snapshots Snapshots, changes Changes, store checkpoint.Store, handler Handler) *Coordinator {
	cfg.SetDefault()

	c := &Coordinator{
		cfg:       cfg,
		snapshots: snapshots,
		changes:   changes,
		store:     store,
		handler:   handler,
		tables:    make(map[catalog.TableID]*catalog.Table, len(cfg.Tables)),
	}
	for _, t := range cfg.Tables {
		if _, dup := c.tables[t.ID]; dup {
			continue
		}
		c.tables[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	return c
}

// Resolve reports whether id is selected. It is the stream's table filter.
func (c *Coordinator) Resolve(id catalog.TableID) (*catalog.Table, bool) {
	t, ok := c.tables[id]
	return t, ok
}

// Stop asks a running Run to finish its in-flight page or batch, checkpoint it and return.
func (c *Coordinator) Stop() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.halted = true
	if c.stop != nil {
		c.stop()
	}
}

// Run drives the selected tables from pending through streaming. It returns nil after a graceful
// stop, after the snapshot in snapshot-only mode, and when the source is idle with ExitWhenIdle.
func (c *Coordinator) Run(ctx context.Context) error {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.stopMu.Lock()
	c.stop = cancel
	if c.halted {
		cancel()
	}
	c.stopMu.Unlock()

	if err := c.load(ctx); err != nil {
		return err
	}

	streaming := !c.cfg.SnapshotOnly
	if streaming {
		if err := c.changes.Open(ctx, c.cp.LSN); err != nil {
			return fmt.Errorf("open change stream: %w", err)
		}
		defer func() {
			if err := c.changes.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("[coordinator] close change stream", "error", err)
			}
		}()
		logger.Info("[coordinator] change stream opened", "slot", c.cfg.Slot, "startLSN", c.cp.LSN)
	}

	done, err := c.snapshot(ctx, stopCtx)
	if err != nil {
		return err
	}
	if !done {
		logger.Info("[coordinator] stopped during snapshot", "slot", c.cfg.Slot)
		return nil
	}

	if !streaming {
		logger.Info("[coordinator] snapshot-only run complete", "slot", c.cfg.Slot, "tables", len(c.order))
		return nil
	}

	for _, name := range c.cp.TablesIn(checkpoint.PhaseSnapshotDone) {
		state, _ := c.cp.Table(name)
		state.Phase = checkpoint.PhaseStreaming
		state.LastKey = nil
		c.cp.SetTable(name, state)
	}
	if err := c.save(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	return c.consume(ctx, stopCtx)
}

func (c *Coordinator) load(ctx context.Context) error {
	cp, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if cp == nil {
		cp = checkpoint.New(c.cfg.Slot)
		logger.Info("[coordinator] no checkpoint found, starting fresh", "slot", c.cfg.Slot)
	} else {
		if cp.Slot != c.cfg.Slot {
			return fmt.Errorf("%w: checkpoint belongs to slot %q, connector uses %q", checkpoint.ErrSlotMismatch, cp.Slot, c.cfg.Slot)
		}
		logger.Info("[coordinator] checkpoint loaded", "slot", cp.Slot, "lsn", cp.LSN, "emitted", cp.Emitted, "tables", len(cp.Tables))
		c.saved = cp.Clone()
		c.lastEmitted = replication.Position{LSN: cp.Emitted.LSN, Seq: cp.Emitted.Seq}
	}

	for _, id := range c.order {
		if _, ok := cp.Table(id.String()); !ok {
			cp.SetTable(id.String(), checkpoint.TableState{Phase: checkpoint.PhasePending})
		}
	}

	c.cp = cp
	return nil
}

// selected returns the selected tables currently in phase, in selection order.
func (c *Coordinator) selected(phase checkpoint.Phase) []catalog.TableID {
	var ids []catalog.TableID
	for _, id := range c.order {
		if s, _ := c.cp.Table(id.String()); s.Phase == phase {
			ids = append(ids, id)
		}
	}
	return ids
}

// snapshot copies every pending or snapshotting table. It returns false when stopped before finishing.
func (c *Coordinator) snapshot(ctx, stopCtx context.Context) (bool, error) {
	pending := c.selected(checkpoint.PhasePending)
	resuming := c.selected(checkpoint.PhaseSnapshotting)
	if len(pending) == 0 && len(resuming) == 0 {
		return true, nil
	}

	session, err := c.snapshots.Open(ctx)
	if err != nil {
		return false, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[coordinator] close snapshot session", "error", err)
		}
	}()

	// Tables resuming a snapshot keep the boundary they were started with.
	if len(pending) > 0 {
		boundary := session.Boundary()
		for _, id := range pending {
			c.cp.SetTable(id.String(), checkpoint.TableState{Phase: checkpoint.PhaseSnapshotting, Boundary: boundary})
		}
		logger.Info("[coordinator] snapshot boundary captured", "boundary", boundary, "tables", len(pending))
	}

	if err := c.save(ctx); err != nil {
		return false, err
	}

	for _, id := range c.selected(checkpoint.PhaseSnapshotting) {
		done, err := c.snapshotTable(ctx, stopCtx, session, c.tables[id])
		if err != nil || !done {
			return false, err
		}
	}

	return true, nil
}

func (c *Coordinator) snapshotTable(ctx, stopCtx context.Context, session SnapshotSession, table *catalog.Table) (bool, error) {
	name := table.ID.String()
	state, _ := c.cp.Table(name)
	logger.Info("[coordinator] snapshotting table", "table", name, "boundary", state.Boundary, "resumeAfter", state.LastKey, "rows", state.Rows)

	// An in-flight page is finished even when stop arrives mid-page.
	pageCtx := context.WithoutCancel(ctx)

	for {
		if stopCtx.Err() != nil {
			return false, nil
		}

		page, err := session.ReadPage(pageCtx, table, snapshot.Key(state.LastKey))
		if err != nil {
			return false, fmt.Errorf("snapshot %s: %w", name, err)
		}

		for _, row := range page.Rows {
			rec := &Record{Type: RecordTypeRow, Table: table.ID, Row: row, Position: replication.Position{LSN: state.Boundary}}
			if err := c.handler(pageCtx, rec); err != nil {
				return false, fmt.Errorf("handle snapshot row of %s: %w", name, err)
			}
		}

		if len(page.LastKey) > 0 {
			state.LastKey = []string(page.LastKey)
		}
		state.Rows += int64(len(page.Rows))
		if page.Done {
			state.Phase = checkpoint.PhaseSnapshotDone
			state.LastKey = nil
		}
		c.cp.SetTable(name, state)

		if err := c.save(pageCtx); err != nil {
			return false, err
		}

		if page.Done {
			logger.Info("[coordinator] table snapshot complete", "table", name, "rows", state.Rows)
			return true, nil
		}
	}
}

func (c *Coordinator) consume(ctx, stopCtx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	opened := time.Now()
	c.lastFlush = opened
	c.lastChange = opened
	idleLogged := false

	for {
		if stopCtx.Err() != nil {
			logger.Info("[coordinator] stopping, flushing pending batch", "slot", c.cfg.Slot)
			if err := c.finishTransaction(ctx); err != nil {
				return err
			}
			return c.flush(saveCtx)
		}

		wait := time.Until(c.lastFlush.Add(c.cfg.FlushInterval))
		if idleAt := time.Until(c.lastChange.Add(c.cfg.InitialWait)); !idleLogged && idleAt < wait {
			wait = idleAt
		}

		nextCtx, cancel := context.WithTimeout(stopCtx, max(wait, time.Millisecond))
		ev, err := c.changes.Next(nextCtx)
		cancel()

		if err != nil {
			if stopCtx.Err() != nil {
				continue
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("change stream: %w", err)
			}

			if time.Since(c.lastFlush) >= c.cfg.FlushInterval {
				if err := c.flush(saveCtx); err != nil {
					return err
				}
			}

			if !idleLogged && time.Since(c.lastChange) >= c.cfg.InitialWait {
				logger.Info("[coordinator] source is idle", "slot", c.cfg.Slot, "quietFor", time.Since(c.lastChange).Round(time.Millisecond), "lsn", c.cp.LSN)
				if c.cfg.ExitWhenIdle {
					return c.flush(saveCtx)
				}
				idleLogged = true
			}
			continue
		}

		if ev.Kind == replication.EventChange {
			c.lastChange = time.Now()
			idleLogged = false
		}
		if err := c.handle(ctx, saveCtx, ev); err != nil {
			return err
		}

		if time.Since(c.lastFlush) >= c.cfg.FlushInterval {
			if err := c.flush(saveCtx); err != nil {
				return err
			}
		}
	}
}

// handle folds one stream event into the pending batch.
func (c *Coordinator) handle(ctx, saveCtx context.Context, ev replication.Event) error {
	switch ev.Kind {
	case replication.EventBegin:
		c.inTx = true

	case replication.EventChange:
		return c.apply(ctx, ev.Change)

	case replication.EventCommit:
		c.inTx = false
		if ev.CommitLSN > c.commitLSN {
			c.commitLSN = ev.CommitLSN
			c.endLSN = ev.EndLSN
		}
		if c.emitted >= c.cfg.BatchSize {
			return c.flush(saveCtx)
		}
	}
	return nil
}

// finishTransaction reads on to the commit of a transaction a stop interrupted, so the final flush
// lands on a commit boundary. When the commit does not arrive within StopTimeout the flush still
// records the emitted position and a restart skips what was already delivered.
func (c *Coordinator) finishTransaction(ctx context.Context) error {
	if !c.inTx || ctx.Err() != nil {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
	defer cancel()

	for c.inTx {
		ev, err := c.changes.Next(drainCtx)
		if err != nil {
			logger.Warn("[coordinator] stopping inside an open transaction", "slot", c.cfg.Slot, "lastEmitted", c.lastEmitted, "error", err)
			return nil
		}
		if err := c.handle(drainCtx, context.WithoutCancel(ctx), ev); err != nil {
			return err
		}
	}
	return nil
}

// apply emits ch unless the snapshot or an earlier delivery already covered it.
func (c *Coordinator) apply(ctx context.Context, ch *replication.ChangeEvent) error {
	if _, ok := c.tables[ch.Table]; !ok {
		return nil
	}

	state, ok := c.cp.Table(ch.Table.String())
	if !ok || state.Phase != checkpoint.PhaseStreaming {
		return nil
	}

	switch {
	case ch.Position.LSN <= state.Boundary:
		return nil
	case ch.Position.LSN <= c.cp.LSN:
		return nil
	case !c.lastEmitted.Less(ch.Position):
		logger.Debug("[coordinator] duplicate change dropped", "table", ch.Table, "position", ch.Position, "lastEmitted", c.lastEmitted)
		return nil
	}

	rec := &Record{Type: RecordTypeChange, Table: ch.Table, Change: ch, Position: ch.Position}
	if err := c.handler(ctx, rec); err != nil {
		return fmt.Errorf("handle change of %s at %s: %w", ch.Table, ch.Position, err)
	}

	c.lastEmitted = ch.Position
	c.cp.Emitted = checkpoint.Mark{LSN: ch.Position.LSN, Seq: ch.Position.Seq}
	c.emitted++
	return nil
}

// flush checkpoints every fully received transaction along with the emitted position, and then
// acknowledges the received transactions upstream.
func (c *Coordinator) flush(ctx context.Context) error {
	c.lastFlush = time.Now()
	advanced := c.commitLSN > c.cp.LSN
	if advanced {
		c.cp.Advance(c.commitLSN)
	}

	if err := c.save(ctx); err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	c.changes.Ack(c.endLSN)
	logger.Debug("[coordinator] batch flushed", "lsn", c.cp.LSN, "ackedLSN", c.endLSN, "changes", c.emitted)
	c.emitted = 0
	return nil
}

// save persists the checkpoint when it changed and emits it as a state record.
func (c *Coordinator) save(ctx context.Context) error {
	if c.cp.Equal(c.saved) {
		return nil
	}

	next := c.cp.Clone()
	if err := c.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	c.saved = next

	data, err := next.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := c.handler(ctx, &Record{Type: RecordTypeState, State: data}); err != nil {
		return fmt.Errorf("handle state: %w", err)
	}
	return nil
}

// Checkpoint returns a copy of the in-memory checkpoint. It is meant for use after Run returns.
func (c *Coordinator) Checkpoint() *checkpoint.Checkpoint {
	return c.cp.Clone()
}
