package catalog

import (
	"encoding/json"
	"testing"

	"github.com/snapflowio/pgcdc/typemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTableID(t *testing.T) {
	tests := []struct {
		in      string
		want    TableID
		wantErr bool
	}{
		{in: "books", want: TableID{Schema: "public", Name: "books"}},
		{in: "inventory.items", want: TableID{Schema: "inventory", Name: "items"}},
		{in: ` "Sales"."Orders" `, want: TableID{Schema: "Sales", Name: "Orders"}},
		{in: "", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: ".b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTableID(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTableID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableIDSanitize(t *testing.T) {
	id := TableID{Schema: "public", Name: `we"ird`}
	assert.Equal(t, `"public"."we""ird"`, id.Sanitize())
	assert.Equal(t, `public.we"ird`, id.String())
}

func TestKeyColumns(t *testing.T) {
	table := &Table{
		ID: TableID{Schema: "public", Name: "order_lines"},
		Columns: []Column{
			{Name: "qty", NativeType: "integer", Ordinal: 1},
			{Name: "order_id", NativeType: "bigint", Ordinal: 2},
			{Name: "line_no", NativeType: "smallint", Ordinal: 3},
		},
		PrimaryKey: []string{"order_id", "line_no"},
	}

	keys := table.KeyColumns()
	require.Len(t, keys, 2)
	assert.Equal(t, "order_id", keys[0].Name)
	assert.Equal(t, "line_no", keys[1].Name)

	_, ok := table.Column("missing")
	assert.False(t, ok)
}

func TestRowImage(t *testing.T) {
	row := &RowImage{
		Table: TableID{Schema: "public", Name: "books"},
		Fields: []typemap.Entry{
			{Key: "id", Value: typemap.Int(7)},
			{Key: "title", Value: typemap.String("Dune")},
			{Key: "isbn", Value: typemap.Null()},
		},
	}

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"title":"Dune","isbn":null}`, string(data))

	v, ok := row.Get("title")
	require.True(t, ok)
	assert.Equal(t, "Dune", v.Str())

	other := *row
	other.Fields = append([]typemap.Entry(nil), row.Fields...)
	assert.True(t, row.Equal(&other))
	other.Fields[0].Value = typemap.Int(8)
	assert.False(t, row.Equal(&other))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		info typeInfo
		want typeClass
	}{
		{name: "enum", info: typeInfo{typtype: "e", name: "mood"}, want: classEnum},
		{name: "composite", info: typeInfo{typtype: "c", name: "inventory_item"}, want: classComposite},
		{name: "domain", info: typeInfo{typtype: "d", base: 23}, want: classDomain},
		{name: "array", info: typeInfo{typtype: "b", category: "A", elem: 16500}, want: classArray},
		{name: "builtin", info: typeInfo{typtype: "b", category: "N"}, want: classBuiltin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.info))
		})
	}
}
