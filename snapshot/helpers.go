package snapshot

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/typemap"
)

// buildPageQuery renders a keyset query over the primary key. Key values bind as text and are cast to the column type.
func buildPageQuery(table *catalog.Table, after Key, limit int) (string, []any) {
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = pgx.Identifier{c.Name}.Sanitize()
	}

	keys := table.KeyColumns()
	keyCols := make([]string, len(keys))
	for i, c := range keys {
		keyCols[i] = pgx.Identifier{c.Name}.Sanitize()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(cols, ", "), table.ID.Sanitize())

	var args []any
	if after != nil {
		params := make([]string, len(keys))
		for i, c := range keys {
			params[i] = fmt.Sprintf("$%d::%s", i+1, c.NativeType)
			args = append(args, after[i])
		}
		fmt.Fprintf(&sb, " WHERE (%s) > (%s)", strings.Join(keyCols, ", "), strings.Join(params, ", "))
	}

	fmt.Fprintf(&sb, " ORDER BY %s LIMIT %d", strings.Join(keyCols, ", "), limit)
	return sb.String(), args
}

// decodeRow converts one text-format row into a row image and its primary key.
func decodeRow(registry *typemap.Registry, table *catalog.Table, raw [][]byte) (*catalog.RowImage, Key, error) {
	if len(raw) != len(table.Columns) {
		return nil, nil, fmt.Errorf("row of %s has %d values, expected %d", table.ID, len(raw), len(table.Columns))
	}

	row := &catalog.RowImage{Table: table.ID, Fields: make([]typemap.Entry, len(raw))}
	byName := make(map[string]int, len(raw))
	for i, c := range table.Columns {
		v, err := registry.DecodeValue(c.NativeType, raw[i])
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s.%s: %w", table.ID, c.Name, err)
		}
		row.Fields[i] = typemap.Entry{Key: c.Name, Value: v}
		byName[c.Name] = i
	}

	key := make(Key, len(table.PrimaryKey))
	for i, name := range table.PrimaryKey {
		idx, ok := byName[name]
		if !ok || raw[idx] == nil {
			return nil, nil, fmt.Errorf("row of %s is missing primary key column %s", table.ID, name)
		}
		key[i] = string(raw[idx])
	}

	return row, key, nil
}
