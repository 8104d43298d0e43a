package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/typemap"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const columnsQuery = `
	SELECT a.attname, a.atttypid, a.attnum, NOT a.attnotnull, format_type(a.atttypid, a.atttypmod)
	FROM pg_attribute a
	WHERE a.attrelid = $1::text::regclass AND a.attnum > 0 AND NOT a.attisdropped
	ORDER BY a.attnum
`

const primaryKeyQuery = `
	SELECT a.attname
	FROM pg_index i
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	WHERE i.indrelid = $1::text::regclass AND i.indisprimary
	ORDER BY array_position(i.indkey::int2[], a.attnum)
`

const typeQuery = `
	SELECT t.typtype::text, t.typname, t.typcategory::text, t.typelem, t.typbasetype,
	       COALESCE(format_type(t.typbasetype, t.typtypmod), ''), COALESCE(format_type(t.typelem, NULL), '')
	FROM pg_type t
	WHERE t.oid = $1
`

const enumLabelsQuery = `
	SELECT e.enumlabel FROM pg_enum e WHERE e.enumtypid = $1 ORDER BY e.enumsortorder
`

const compositeFieldsQuery = `
	SELECT a.attname, a.atttypid, format_type(a.atttypid, a.atttypmod)
	FROM pg_type ct
	JOIN pg_attribute a ON a.attrelid = ct.typrelid
	WHERE ct.oid = $1 AND a.attnum > 0 AND NOT a.attisdropped
	ORDER BY a.attnum
`

const tablesInSchemasQuery = `
	SELECT n.nspname, c.relname
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind IN ('r', 'p') AND n.nspname = ANY($1)
	ORDER BY n.nspname, c.relname
`

// Loader reads column descriptors from the system catalogs and registers user-defined types it meets.
type Loader struct {
	db       Querier
	registry *typemap.Registry
	resolved map[uint32]string

	// Synchronization (always last)
	mu sync.Mutex
}

func NewLoader(db Querier, registry *typemap.Registry) *Loader {
	return &Loader{
		db:       db,
		registry: registry,
		resolved: make(map[uint32]string),
	}
}

func (l *Loader) Load(ctx context.Context, id TableID) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(ctx, columnsQuery, id.Sanitize())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
		}
		return nil, fmt.Errorf("query columns of %s: %w", id, err)
	}

	type rawColumn struct {
		Column
		formatted string
	}

	var raw []rawColumn
	for rows.Next() {
		var c rawColumn
		var attnum int16
		if err := rows.Scan(&c.Name, &c.OID, &attnum, &c.Nullable, &c.formatted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan column of %s: %w", id, err)
		}
		c.Ordinal = int(attnum)
		raw = append(raw, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}

	table := &Table{ID: id, Columns: make([]Column, 0, len(raw))}
	for _, c := range raw {
		native, err := l.nativeName(ctx, c.OID, c.formatted)
		if err != nil {
			return nil, fmt.Errorf("resolve type of %s.%s: %w", id, c.Name, err)
		}
		if _, err := l.registry.MapType(native); err != nil {
			return nil, fmt.Errorf("column %s.%s: %w", id, c.Name, err)
		}
		c.NativeType = native
		table.Columns = append(table.Columns, c.Column)
	}

	pk, err := l.primaryKey(ctx, id)
	if err != nil {
		return nil, err
	}
	table.PrimaryKey = pk

	logger.Debug("[catalog] table loaded", "table", id, "columns", len(table.Columns), "primaryKey", pk)
	return table, nil
}

func (l *Loader) primaryKey(ctx context.Context, id TableID) ([]string, error) {
	rows, err := l.db.Query(ctx, primaryKeyQuery, id.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("query primary key of %s: %w", id, err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan primary key of %s: %w", id, err)
	}
	return names, nil
}

type typeInfo struct {
	typtype       string
	name          string
	category      string
	elem          uint32
	base          uint32
	baseFormatted string
	elemFormatted string
}

type typeClass int

const (
	classBuiltin typeClass = iota
	classEnum
	classComposite
	classDomain
	classArray
)

func classify(info typeInfo) typeClass {
	switch {
	case info.typtype == "e":
		return classEnum
	case info.typtype == "c":
		return classComposite
	case info.typtype == "d" && info.base != 0:
		return classDomain
	case info.category == "A" && info.elem != 0:
		return classArray
	default:
		return classBuiltin
	}
}

// nativeName resolves the registry name for a type OID, registering enums and composites on first sight.
func (l *Loader) nativeName(ctx context.Context, oid uint32, formatted string) (string, error) {
	name, custom, err := l.resolve(ctx, oid)
	if err != nil {
		return "", err
	}
	if !custom {
		return formatted, nil
	}
	return name, nil
}

// resolve reports the registry name of a user-defined type. Builtins report custom=false.
func (l *Loader) resolve(ctx context.Context, oid uint32) (string, bool, error) {
	if name, ok := l.resolved[oid]; ok {
		return name, name != "", nil
	}

	var info typeInfo
	err := l.db.QueryRow(ctx, typeQuery, oid).Scan(
		&info.typtype, &info.name, &info.category, &info.elem, &info.base, &info.baseFormatted, &info.elemFormatted,
	)
	if err != nil {
		return "", false, fmt.Errorf("query type %d: %w", oid, err)
	}

	var name string
	switch classify(info) {
	case classEnum:
		if err := l.registerEnum(ctx, oid, info.name); err != nil {
			return "", false, err
		}
		name = info.name
	case classComposite:
		if err := l.registerComposite(ctx, oid, info.name); err != nil {
			return "", false, err
		}
		name = info.name
	case classDomain:
		if name, err = l.nativeName(ctx, info.base, info.baseFormatted); err != nil {
			return "", false, err
		}
	case classArray:
		elem, custom, err := l.resolve(ctx, info.elem)
		if err != nil {
			return "", false, err
		}
		if custom {
			name = elem + "[]"
		}
	}

	l.resolved[oid] = name
	if name != "" {
		l.registry.BindOID(oid, name)
	}
	return name, name != "", nil
}

func (l *Loader) registerEnum(ctx context.Context, oid uint32, name string) error {
	rows, err := l.db.Query(ctx, enumLabelsQuery, oid)
	if err != nil {
		return fmt.Errorf("query enum %s: %w", name, err)
	}

	labels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan enum %s: %w", name, err)
	}

	l.registry.RegisterEnum(name, labels)
	logger.Debug("[catalog] enum registered", "type", name, "labels", labels)
	return nil
}

func (l *Loader) registerComposite(ctx context.Context, oid uint32, name string) error {
	rows, err := l.db.Query(ctx, compositeFieldsQuery, oid)
	if err != nil {
		return fmt.Errorf("query composite %s: %w", name, err)
	}

	type field struct {
		name      string
		oid       uint32
		formatted string
	}

	var fields []field
	for rows.Next() {
		var f field
		if err := rows.Scan(&f.name, &f.oid, &f.formatted); err != nil {
			rows.Close()
			return fmt.Errorf("scan composite %s: %w", name, err)
		}
		fields = append(fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate composite %s: %w", name, err)
	}

	specs := make([]typemap.FieldSpec, 0, len(fields))
	for _, f := range fields {
		native, err := l.nativeName(ctx, f.oid, f.formatted)
		if err != nil {
			return err
		}
		specs = append(specs, typemap.FieldSpec{Name: f.name, Type: native})
	}

	if err := l.registry.RegisterComposite(name, specs); err != nil {
		return err
	}
	logger.Debug("[catalog] composite registered", "type", name, "fields", len(specs))
	return nil
}

// Discover returns the explicitly named tables, or every ordinary and partitioned table in schemas.
func (l *Loader) Discover(ctx context.Context, tables []string, schemas []string) ([]TableID, error) {
	if len(tables) > 0 {
		ids := make([]TableID, 0, len(tables))
		seen := make(map[TableID]struct{}, len(tables))
		for _, t := range tables {
			id, err := ParseTableID(t)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return ids, nil
	}

	if len(schemas) == 0 {
		schemas = []string{"public"}
	}

	rows, err := l.db.Query(ctx, tablesInSchemasQuery, schemas)
	if err != nil {
		return nil, fmt.Errorf("discover tables: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableID, error) {
		var id TableID
		err := row.Scan(&id.Schema, &id.Name)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan discovered tables: %w", err)
	}
	return ids, nil
}
