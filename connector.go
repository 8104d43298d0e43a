package pgcdc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/config"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/publication"
	"github.com/snapflowio/pgcdc/replication"
	"github.com/snapflowio/pgcdc/slot"
	"github.com/snapflowio/pgcdc/snapshot"
	"github.com/snapflowio/pgcdc/typemap"
)

var (
	ErrNoTables         = errors.New("no tables selected")
	ErrSnapshotOnlyMode = errors.New("not available in snapshot-only mode")
)

// Connector wires the source database to a Handler: it resolves the selected tables, owns the
// replication slot and runs a Coordinator over them.
type Connector struct {
	// Configuration and dependencies
	cfg     *config.Config
	handler Handler
	runID   uuid.UUID

	// Connections and state
	pool        *pgxpool.Pool
	registry    *typemap.Registry
	publication *publication.Publication
	store       checkpoint.Store
	coordinator *Coordinator

	// Channels
	readyCh chan struct{}

	// Synchronization (always last)
	readyOnce sync.Once
	closeOnce sync.Once
	runMu     sync.Mutex
	configMu  sync.RWMutex
	stopped   bool
}

func NewConnector(ctx context.Context, cfg config.Config, handler Handler) (*Connector, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger.SetLevel(cfg.Logger.LogLevel)
	cfg.Print()

	runID := uuid.New()
	pool, err := pg.NewPool(ctx, cfg.DSN(), applicationName(runID), 8)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(ctx, cfg.Checkpoint, cfg.Slot.Name)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	if hb, ok := heartbeatTable(&cfg); ok && cfg.Publication.CreateIfNotExists && !cfg.Publication.Tables.Contains(hb) {
		cfg.Publication.Tables = append(cfg.Publication.Tables, publication.FromTableID(hb, publication.ReplicaIdentityDefault))
	}

	c := &Connector{
		cfg:      &cfg,
		handler:  handler,
		runID:    runID,
		pool:     pool,
		registry: typemap.NewRegistry(),
		store:    store,
		readyCh:  make(chan struct{}),
	}
	if !cfg.IsSnapshotOnly() {
		c.publication = publication.New(cfg.Publication, pool)
	}

	logger.Info("[connector] created", "runID", runID, "slot", cfg.Slot.Name, "method", cfg.Replication.Method)
	return c, nil
}

func applicationName(runID uuid.UUID) string {
	return "pgcdc-" + runID.String()[:8]
}

func heartbeatTable(cfg *config.Config) (catalog.TableID, bool) {
	if cfg.Heartbeat.Table == "" || cfg.IsSnapshotOnly() {
		return catalog.TableID{}, false
	}
	id, err := catalog.ParseTableID(cfg.Heartbeat.Table)
	if err != nil {
		return catalog.TableID{}, false
	}
	return id, true
}

// Run captures the selected tables until the coordinator finishes, Stop is called or ctx is done.
// A graceful finish returns nil; the last checkpoint is saved either way.
func (c *Connector) Run(ctx context.Context) error {
	logger.Info("[connector] run started", "runID", c.runID)

	hb, hasHeartbeat := heartbeatTable(c.cfg)
	if hasHeartbeat {
		if err := c.ensureHeartbeatTable(ctx, hb); err != nil {
			return err
		}
	}

	var pubInfo *publication.Info
	if c.publication != nil {
		if err := c.publication.SetReplicaIdentities(ctx); err != nil {
			return fmt.Errorf("replica identities: %w", err)
		}
		info, err := c.publication.Ensure(ctx)
		if err != nil {
			return err
		}
		pubInfo = info
		logger.Info("[connector] publication ready", "name", info.Name, "allTables", info.AllTables, "operations", info.Operations)
	}

	tables, err := c.resolveTables(ctx, pubInfo, hb)
	if err != nil {
		return err
	}

	background, cancel := context.WithCancel(ctx)
	defer cancel()

	var stream *replication.Stream
	var coord *Coordinator

	if !c.cfg.IsSnapshotOnly() {
		sl := slot.New(c.cfg.Slot, c.pool, c.cfg.ReplicationDSN())
		info, err := sl.Ensure(ctx)
		if err != nil {
			return err
		}
		if err := sl.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sl.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("[connector] slot close", "error", err)
			}
		}()
		logger.Info("[connector] slot acquired", "name", info.Name, "confirmedFlushLSN", info.ConfirmedFlushLSN, "lag", info.Lag)
		go sl.Monitor(background)

		stream = replication.NewStream(replication.Config{
			DSN:             c.cfg.ReplicationDSN(),
			Slot:            c.cfg.Slot.Name,
			Publication:     c.cfg.Publication.Name,
			QueueSize:       c.cfg.Replication.QueueSize,
			StatusInterval:  c.cfg.Replication.StatusInterval,
			ApplicationName: applicationName(c.runID),
		}, c.registry, func(id catalog.TableID) (*catalog.Table, bool) {
			return coord.Resolve(id)
		})
	}

	readerOpts := []snapshot.Option{snapshot.WithPageSize(c.cfg.Snapshot.PageSize)}
	if !c.cfg.IsSnapshotOnly() {
		readerOpts = append(readerOpts, snapshot.WithReplicationDSN(c.cfg.ReplicationDSN()))
	}
	snapshots := &snapshotSource{reader: snapshot.NewReader(c.pool, c.registry, readerOpts...)}

	var changes Changes
	if stream != nil {
		changes = stream
	}

	coord = NewCoordinator(CoordinatorConfig{
		Slot:          c.cfg.Slot.Name,
		SnapshotOnly:  c.cfg.IsSnapshotOnly(),
		Tables:        tables,
		BatchSize:     c.cfg.Replication.BatchSize,
		FlushInterval: c.cfg.Replication.FlushInterval,
		InitialWait:   c.cfg.Replication.InitialWait,
		ExitWhenIdle:  c.cfg.Replication.ExitWhenIdle,
	}, snapshots, changes, c.store, c.handler)

	c.runMu.Lock()
	if c.stopped {
		coord.Stop()
	}
	c.coordinator = coord
	c.runMu.Unlock()

	if hasHeartbeat {
		go c.runHeartbeat(background, hb)
	}

	c.readyOnce.Do(func() { close(c.readyCh) })

	if err := coord.Run(ctx); err != nil {
		return err
	}
	logger.Info("[connector] run finished", "runID", c.runID, "lsn", coord.Checkpoint().LSN)
	return nil
}

// resolveTables discovers the selection, narrows it to published tables and loads each table's columns.
func (c *Connector) resolveTables(ctx context.Context, pubInfo *publication.Info, heartbeat catalog.TableID) ([]*catalog.Table, error) {
	loader := catalog.NewLoader(c.pool, c.registry)

	ids, err := loader.Discover(ctx, c.cfg.Tables, c.cfg.Schemas)
	if err != nil {
		return nil, err
	}

	tables := make([]*catalog.Table, 0, len(ids))
	for _, id := range ids {
		if id == heartbeat {
			continue
		}
		if pubInfo != nil && !pubInfo.Publishes(id) {
			logger.Warn("[connector] table is not in the publication, skipping", "table", id, "publication", pubInfo.Name)
			continue
		}

		t, err := loader.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(t.PrimaryKey) == 0 {
			return nil, fmt.Errorf("%s: %w", id, catalog.ErrNoPrimaryKey)
		}
		tables = append(tables, t)
	}

	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	logger.Info("[connector] tables selected", "count", len(tables))
	return tables, nil
}

// WaitUntilReady blocks until Run has acquired the slot and started the coordinator.
func (c *Connector) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks Run to finish the in-flight page or batch, checkpoint and return.
func (c *Connector) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.stopped = true
	if c.coordinator != nil {
		c.coordinator.Stop()
	}
}

// Close releases the checkpoint store and the pool. The replication slot is left in place.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		logger.Debug("[connector] closing connector")
		if err := c.store.Close(); err != nil {
			logger.Warn("[connector] checkpoint store close", "error", err)
		}
		c.pool.Close()
		logger.Info("[connector] connector closed successfully")
	})
}

func (c *Connector) GetConfig() *config.Config {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.cfg
}

// Checkpoint loads the last saved checkpoint, nil when none exists.
func (c *Connector) Checkpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	return c.store.Load(ctx)
}

// AddTable adds table to the publication. Selected by the next run, it starts there as pending.
func (c *Connector) AddTable(ctx context.Context, table publication.Table) error {
	if c.publication == nil {
		return fmt.Errorf("add table: %w", ErrSnapshotOnlyMode)
	}

	if err := c.publication.AddTable(ctx, table); err != nil {
		return err
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()
	if !c.cfg.Publication.Tables.Contains(table.ID()) {
		c.cfg.Publication.Tables = append(c.cfg.Publication.Tables, table)
	}
	if len(c.cfg.Tables) > 0 && !slices.Contains(c.cfg.Tables, table.ID().String()) {
		c.cfg.Tables = append(c.cfg.Tables, table.ID().String())
	}
	return nil
}

func (c *Connector) RemoveTable(ctx context.Context, id catalog.TableID) error {
	if c.publication == nil {
		return fmt.Errorf("remove table: %w", ErrSnapshotOnlyMode)
	}

	if err := c.publication.RemoveTable(ctx, id); err != nil {
		return err
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.cfg.Publication.Tables = slices.DeleteFunc(c.cfg.Publication.Tables, func(t publication.Table) bool {
		return t.ID() == id
	})
	c.cfg.Tables = slices.DeleteFunc(c.cfg.Tables, func(name string) bool {
		parsed, err := catalog.ParseTableID(name)
		return err == nil && parsed == id
	})
	return nil
}

func (c *Connector) ListTables(ctx context.Context) (publication.Tables, error) {
	if c.publication == nil {
		return nil, fmt.Errorf("list tables: %w", ErrSnapshotOnlyMode)
	}
	return c.publication.ListTables(ctx)
}

func (c *Connector) ensureHeartbeatTable(ctx context.Context, id catalog.TableID) error {
	name := id.Sanitize()

	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id integer PRIMARY KEY,
			last_heartbeat timestamptz NOT NULL DEFAULT now()
		)`, name)
	if _, err := c.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("create heartbeat table: %w", err)
	}

	seed := fmt.Sprintf(`INSERT INTO %s (id) VALUES (1) ON CONFLICT (id) DO NOTHING`, name)
	if _, err := c.pool.Exec(ctx, seed); err != nil {
		return fmt.Errorf("insert initial heartbeat row: %w", err)
	}

	logger.Info("[heartbeat] table ensured", "table", id)
	return nil
}

// runHeartbeat writes to the heartbeat table so the slot keeps confirming WAL while the selected tables are quiet.
func (c *Connector) runHeartbeat(ctx context.Context, id catalog.TableID) {
	interval := c.cfg.Heartbeat.Interval
	query := fmt.Sprintf(`UPDATE %s SET last_heartbeat = now() WHERE id = 1`, id.Sanitize())
	logger.Debug("[heartbeat] loop started", "interval", interval, "table", id)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("[heartbeat] loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if _, err := c.pool.Exec(ctx, query); err != nil {
				if ctx.Err() == nil {
					logger.Error("[heartbeat] update failed", "error", err)
				}
				continue
			}
			logger.Debug("[heartbeat] updated", "table", id)
		}
	}
}

// snapshotSource adapts snapshot.Reader to the coordinator's Snapshots.
type snapshotSource struct {
	reader *snapshot.Reader
}

func (s *snapshotSource) Open(ctx context.Context) (SnapshotSession, error) {
	session, err := s.reader.Open(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}
