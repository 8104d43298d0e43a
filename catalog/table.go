package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/snapflowio/pgcdc/typemap"
)

var (
	ErrNoPrimaryKey   = errors.New("table has no primary key")
	ErrTableNotFound  = errors.New("table not found")
	ErrInvalidTableID = errors.New("invalid table identifier")
)

type TableID struct {
	Schema string
	Name   string
}

func (t TableID) String() string {
	return t.Schema + "." + t.Name
}

// Sanitize returns the quoted schema-qualified identifier.
func (t TableID) Sanitize() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

func (t TableID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTableID accepts "schema.table" or a bare table name, which resolves to public.
func ParseTableID(s string) (TableID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableID{}, fmt.Errorf("%w: empty", ErrInvalidTableID)
	}

	schema, name, found := strings.Cut(s, ".")
	if !found {
		schema, name = "public", s
	}

	schema = strings.Trim(strings.TrimSpace(schema), `"`)
	name = strings.Trim(strings.TrimSpace(name), `"`)
	if schema == "" || name == "" || strings.Contains(name, ".") {
		return TableID{}, fmt.Errorf("%w: %q", ErrInvalidTableID, s)
	}

	return TableID{Schema: schema, Name: name}, nil
}

// Column describes one table attribute. NativeType is the name the type registry resolves.
type Column struct {
	Name       string `json:"name"`
	NativeType string `json:"native_type"`
	OID        uint32 `json:"oid"`
	Nullable   bool   `json:"nullable"`
	Ordinal    int    `json:"ordinal"`
}

type Table struct {
	ID         TableID
	Columns    []Column
	PrimaryKey []string
}

func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// KeyColumns returns the primary key columns in key order.
func (t *Table) KeyColumns() []Column {
	cols := make([]Column, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		if c, ok := t.Column(name); ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// RowImage is one row's values ordered by column ordinal.
type RowImage struct {
	Table  TableID
	Fields []typemap.Entry
}

func (r *RowImage) Get(column string) (typemap.Value, bool) {
	for _, f := range r.Fields {
		if f.Key == column {
			return f.Value, true
		}
	}
	return typemap.Null(), false
}

func (r *RowImage) Equal(o *RowImage) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Table != o.Table || len(r.Fields) != len(o.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i].Key != o.Fields[i].Key || !r.Fields[i].Value.Equal(o.Fields[i].Value) {
			return false
		}
	}
	return true
}

func (r *RowImage) MarshalJSON() ([]byte, error) {
	return typemap.MarshalEntries(r.Fields)
}
