package publication

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
)

var ErrPublicationNotExists = errors.New("publication does not exist")

// Info describes a publication as the server reports it.
type Info struct {
	Name       string
	AllTables  bool
	Operations Operations
	Tables     Tables
}

// Publishes reports whether changes of id reach the publication.
func (i *Info) Publishes(id catalog.TableID) bool {
	return i.AllTables || i.Tables.Contains(id)
}

type Publication struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(cfg Config, pool *pgxpool.Pool) *Publication {
	return &Publication{cfg: cfg, pool: pool}
}

// Ensure returns the publication, creating it when it is missing and creation is enabled.
func (p *Publication) Ensure(ctx context.Context) (*Info, error) {
	info, err := p.Info(ctx)
	if err == nil {
		logger.Info("[publication] using existing publication", "name", info.Name, "tables", len(info.Tables), "allTables", info.AllTables)
		return info, nil
	}
	if !errors.Is(err, ErrPublicationNotExists) || !p.cfg.CreateIfNotExists {
		return nil, fmt.Errorf("publication info: %w", err)
	}

	if _, err := p.pool.Exec(ctx, p.cfg.createQuery()); err != nil {
		if !pg.HasCode(err, pg.CodeDuplicateObject) {
			return nil, fmt.Errorf("publication create: %w", err)
		}
		logger.Warn("[publication] publication created concurrently", "name", p.cfg.Name)
	} else {
		logger.Info("[publication] publication created", "name", p.cfg.Name, "tables", len(p.cfg.Tables))
	}

	return p.Info(ctx)
}

func (p *Publication) Info(ctx context.Context) (*Info, error) {
	var info Info
	var insert, update, del, truncate bool
	var tables []string

	err := p.pool.QueryRow(ctx, infoQuery, p.cfg.Name).Scan(
		&info.Name, &info.AllTables, &insert, &update, &del, &truncate, &tables,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPublicationNotExists
	}
	if err != nil {
		return nil, fmt.Errorf("publication info query: %w", err)
	}

	for _, op := range []struct {
		on bool
		op Operation
	}{{insert, OperationInsert}, {update, OperationUpdate}, {del, OperationDelete}, {truncate, OperationTruncate}} {
		if op.on {
			info.Operations = append(info.Operations, op.op)
		}
	}

	for _, name := range tables {
		id, err := catalog.ParseTableID(name)
		if err != nil {
			return nil, fmt.Errorf("publication table %q: %w", name, err)
		}
		info.Tables = append(info.Tables, Table{Schema: id.Schema, Name: id.Name})
	}

	return &info, nil
}

func (p *Publication) ListTables(ctx context.Context) (Tables, error) {
	info, err := p.Info(ctx)
	if err != nil {
		return nil, err
	}
	return info.Tables, nil
}

// AddTable sets the table's replica identity and adds it to the publication. It is picked up as pending on the next run.
func (p *Publication) AddTable(ctx context.Context, table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := p.AlterTableReplicaIdentity(ctx, table); err != nil {
		return err
	}

	query := fmt.Sprintf("ALTER PUBLICATION %s ADD TABLE %s", quoteName(p.cfg.Name), qualified(table))
	if _, err := p.pool.Exec(ctx, query); err != nil {
		if pg.HasCode(err, pg.CodeDuplicateObject) {
			logger.Warn("[publication] table already in publication", "publication", p.cfg.Name, "table", table.ID())
			return nil
		}
		return fmt.Errorf("add table to publication: %w", err)
	}

	logger.Info("[publication] table added", "publication", p.cfg.Name, "table", table.ID())
	return nil
}

func (p *Publication) RemoveTable(ctx context.Context, id catalog.TableID) error {
	query := fmt.Sprintf("ALTER PUBLICATION %s DROP TABLE %s", quoteName(p.cfg.Name), qualified(Table{Schema: id.Schema, Name: id.Name}))
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("remove table from publication: %w", err)
	}

	logger.Info("[publication] table removed", "publication", p.cfg.Name, "table", id)
	return nil
}
