package publication

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/snapflowio/pgcdc/logger"
)

const (
	ReplicaIdentityDefault = "DEFAULT"
	ReplicaIdentityFull    = "FULL"
	ReplicaIdentityIndex   = "INDEX"
	ReplicaIdentityNothing = "NOTHING"
)

var (
	ErrTablesNotExist      = errors.New("table does not exist")
	ReplicaIdentityOptions = []string{ReplicaIdentityDefault, ReplicaIdentityFull, ReplicaIdentityIndex, ReplicaIdentityNothing}
	ReplicaIdentityMap     = map[string]string{
		"d": ReplicaIdentityDefault,
		"f": ReplicaIdentityFull,
		"i": ReplicaIdentityIndex,
		"n": ReplicaIdentityNothing,
	}
)

const replicaIdentitiesQuery = `
	SELECT
		n.nspname AS schema_name,
		c.relname AS table_name,
		c.relreplident::text AS replica_identity,
		COALESCE(ic.relname, '') AS index_name
	FROM pg_class c
	JOIN pg_namespace n ON c.relnamespace = n.oid
	LEFT JOIN pg_index i ON c.oid = i.indrelid AND i.indisreplident
	LEFT JOIN pg_class ic ON ic.oid = i.indexrelid
	WHERE n.nspname || '.' || c.relname = ANY($1)
	ORDER BY n.nspname, c.relname
`

// SetReplicaIdentities aligns the configured tables' replica identity with the server. It only runs when the publication is managed.
func (p *Publication) SetReplicaIdentities(ctx context.Context) error {
	if !p.cfg.CreateIfNotExists || len(p.cfg.Tables) == 0 {
		return nil
	}

	current, err := p.ReplicaIdentities(ctx, p.cfg.Tables)
	if err != nil {
		return err
	}

	for _, t := range p.cfg.Tables.Diff(current) {
		if err := p.AlterTableReplicaIdentity(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

func (p *Publication) AlterTableReplicaIdentity(ctx context.Context, t Table) error {
	query := replicaIdentityStatement(t)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("table replica identity update: %w", err)
	}

	if t.ReplicaIdentity == ReplicaIdentityIndex {
		logger.Info("[publication] table replica identity updated", "table", t.ID(), "replicaIdentity", t.ReplicaIdentity, "index", t.IndexName)
	} else {
		logger.Info("[publication] table replica identity updated", "table", t.ID(), "replicaIdentity", t.ReplicaIdentity)
	}

	return nil
}

func replicaIdentityStatement(t Table) string {
	if t.ReplicaIdentity == ReplicaIdentityIndex {
		return fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY USING INDEX %s", qualified(t), quoteName(t.IndexName))
	}
	return fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY %s", qualified(t), t.ReplicaIdentity)
}

// ReplicaIdentities reads the current replica identity of tables. Missing tables yield ErrTablesNotExist.
func (p *Publication) ReplicaIdentities(ctx context.Context, tables Tables) (Tables, error) {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.ID().String()
	}

	rows, err := p.pool.Query(ctx, replicaIdentitiesQuery, names)
	if err != nil {
		return nil, fmt.Errorf("replica identities query: %w", err)
	}
	defer rows.Close()

	var res Tables
	for rows.Next() {
		var t Table
		var ident string
		if err := rows.Scan(&t.Schema, &t.Name, &ident, &t.IndexName); err != nil {
			return nil, fmt.Errorf("replica identities scan: %w", err)
		}
		t.ReplicaIdentity = ReplicaIdentityMap[ident]
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica identities rows: %w", err)
	}

	if len(res) < len(tables) {
		for _, t := range tables {
			if !res.Contains(t.ID()) {
				return nil, fmt.Errorf("%w: %s", ErrTablesNotExist, t.ID())
			}
		}
	}

	return res, nil
}

func quoteName(name string) string {
	return pq.QuoteIdentifier(name)
}
