package typemap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type decodeFunc func(raw string) (Value, error)

type entry struct {
	schema SchemaType
	decode decodeFunc
}

// Registry maps native Postgres types to portable schema types and decodes text-format values.
type Registry struct {
	types   *pgtype.Map
	entries map[string]entry
	oids    map[uint32]string

	// Synchronization (always last)
	mu sync.RWMutex
}

func NewRegistry() *Registry {
	r := &Registry{
		types:   pgtype.NewMap(),
		entries: make(map[string]entry),
		oids:    make(map[uint32]string),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	codec := func(kind Kind, pgName string, names ...string) {
		for _, name := range names {
			r.entries[name] = entry{
				schema: SchemaType{Native: name, Kind: kind},
				decode: r.codecDecoder(name, pgName),
			}
		}
	}

	codec(KindBool, "bool", "bool", "boolean")
	codec(KindInt, "int2", "int2", "smallint", "smallserial")
	codec(KindInt, "int4", "int4", "integer", "int", "serial")
	codec(KindInt, "int8", "int8", "bigint", "bigserial")
	codec(KindInt, "oid", "oid")
	codec(KindFloat, "float4", "float4", "real")
	codec(KindFloat, "float8", "float8", "double precision", "float")
	codec(KindBytes, "bytea", "bytea")

	for _, name := range []string{"numeric", "decimal"} {
		r.entries[name] = entry{
			schema: SchemaType{Native: name, Kind: KindString, Logical: LogicalDecimal},
			decode: decodeNumeric,
		}
	}

	timestamps := map[string]string{
		"timestamp":                   LogicalTimestamp,
		"timestamp without time zone": LogicalTimestamp,
		"timestamptz":                 LogicalTimeTZTS,
		"timestamp with time zone":    LogicalTimeTZTS,
	}
	for name, logical := range timestamps {
		pgName := "timestamp"
		if logical == LogicalTimeTZTS {
			pgName = "timestamptz"
		}
		r.entries[name] = entry{
			schema: SchemaType{Native: name, Kind: KindTimestamp, Logical: logical},
			decode: r.timestampDecoder(name, pgName),
		}
	}

	strs := map[string]string{
		"text": "", "varchar": "", "character varying": "", "char": "", "character": "",
		"bpchar": "", "name": "", "citext": "", "xml": "", "money": "",
		"inet": "", "cidr": "", "macaddr": "", "macaddr8": "",
		"bit": "", "varbit": "", "bit varying": "",
		"point": "", "line": "", "lseg": "", "box": "", "path": "", "polygon": "", "circle": "",
		"tsvector": "", "tsquery": "", "pg_lsn": "",
		"uuid":                   LogicalUUID,
		"json":                   LogicalJSON,
		"jsonb":                  LogicalJSON,
		"date":                   LogicalDate,
		"time":                   LogicalTime,
		"time without time zone": LogicalTime,
		"timetz":                 LogicalTimeTZ,
		"time with time zone":    LogicalTimeTZ,
		"interval":               LogicalInterval,
	}
	for name, logical := range strs {
		r.entries[name] = entry{
			schema: SchemaType{Native: name, Kind: KindString, Logical: logical},
			decode: decodeString,
		}
	}

	r.entries["hstore"] = entry{
		schema: SchemaType{Native: "hstore", Kind: KindMap, Logical: LogicalHstore},
		decode: decodeHstore,
	}
}

// RegisterEnum adds a user-defined enum type with its allowed labels.
func (r *Registry) RegisterEnum(name string, labels []string) {
	allowed := append([]string(nil), labels...)
	set := make(map[string]struct{}, len(allowed))
	for _, label := range allowed {
		set[label] = struct{}{}
	}

	key := parseTypeName(name).base
	decode := func(raw string) (Value, error) {
		if _, ok := set[raw]; !ok {
			return Value{}, &ConstraintError{Type: key, Value: raw, Allowed: allowed}
		}
		return String(raw), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key] = entry{
		schema: SchemaType{Native: key, Kind: KindString, Logical: LogicalEnum, Enum: allowed},
		decode: decode,
	}
}

// RegisterComposite adds a user-defined row type. Every field type must already be known.
func (r *Registry) RegisterComposite(name string, fields []FieldSpec) error {
	key := parseTypeName(name).base

	schemaFields := make([]Field, 0, len(fields))
	fieldTypes := make([]typeName, 0, len(fields))
	for _, f := range fields {
		st, err := r.MapType(f.Type)
		if err != nil {
			return fmt.Errorf("composite %s field %s: %w", key, f.Name, err)
		}
		schemaFields = append(schemaFields, Field{Name: f.Name, Type: st})
		fieldTypes = append(fieldTypes, parseTypeName(f.Type))
	}

	decode := func(raw string) (Value, error) {
		parts, err := parseCompositeLiteral(raw)
		if err != nil {
			return Value{}, err
		}
		if len(schemaFields) == 0 && len(parts) == 1 && parts[0].null {
			parts = nil
		}
		if len(parts) != len(schemaFields) {
			return Value{}, fmt.Errorf("%w: composite %s has %d fields, got %d", ErrMalformedLiteral, key, len(schemaFields), len(parts))
		}

		entries := make([]Entry, len(parts))
		for i, part := range parts {
			entries[i].Key = schemaFields[i].Name
			if part.null {
				entries[i].Value = Null()
				continue
			}
			v, err := r.decodeText(fieldTypes[i], part.text)
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", schemaFields[i].Name, err)
			}
			entries[i].Value = v
		}
		return Map(entries...), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key] = entry{
		schema: SchemaType{Native: key, Kind: KindMap, Logical: LogicalComposite, Fields: schemaFields},
		decode: decode,
	}
	return nil
}

// BindOID records the native name of a type OID seen on the wire.
func (r *Registry) BindOID(oid uint32, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oids[oid] = name
}

// NameForOID resolves an OID through explicit bindings and then pgx's builtin type map.
func (r *Registry) NameForOID(oid uint32) (string, bool) {
	r.mu.RLock()
	name, ok := r.oids[oid]
	r.mu.RUnlock()
	if ok {
		return name, true
	}

	if t, ok := r.types.TypeForOID(oid); ok {
		return t.Name, true
	}
	return "", false
}

// MapType returns the portable schema for a native type name.
func (r *Registry) MapType(native string) (SchemaType, error) {
	tn := parseTypeName(native)

	e, err := r.lookup(tn)
	if err != nil {
		return SchemaType{}, err
	}

	st := e.schema
	if st.Logical == LogicalDecimal && len(tn.modifier) > 0 {
		st.Precision = tn.modifier[0]
		if len(tn.modifier) > 1 {
			st.Scale = tn.modifier[1]
		}
	}

	if tn.array {
		elem := st
		return SchemaType{Native: native, Kind: KindList, Elem: &elem}, nil
	}
	return st, nil
}

// DecodeValue decodes a text-format value. A nil raw value is Null.
func (r *Registry) DecodeValue(native string, raw []byte) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	return r.decodeText(parseTypeName(native), string(raw))
}

func (r *Registry) decodeText(tn typeName, raw string) (Value, error) {
	e, err := r.lookup(tn)
	if err != nil {
		return Value{}, err
	}

	if !tn.array {
		return e.decode(raw)
	}

	node, err := parseArrayLiteral(raw)
	if err != nil {
		return Value{}, &DecodeError{Type: tn.base + "[]", Err: err}
	}
	return decodeArrayNode(e, node)
}

func decodeArrayNode(e entry, node literalNode) (Value, error) {
	if node.null {
		return Null(), nil
	}
	if !node.list {
		return e.decode(node.text)
	}

	items := make([]Value, len(node.children))
	for i, child := range node.children {
		v, err := decodeArrayNode(e, child)
		if err != nil {
			return Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		items[i] = v
	}
	return List(items...), nil
}

func (r *Registry) lookup(tn typeName) (entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[tn.base]
	if !ok {
		return entry{}, &UnsupportedTypeError{Type: tn.base}
	}
	return e, nil
}

func (r *Registry) codecDecoder(native, pgName string) decodeFunc {
	return func(raw string) (Value, error) {
		t, ok := r.types.TypeForName(pgName)
		if !ok {
			return Value{}, &UnsupportedTypeError{Type: native}
		}

		v, err := t.Codec.DecodeValue(r.types, t.OID, pgtype.TextFormatCode, []byte(raw))
		if err != nil {
			return Value{}, &DecodeError{Type: native, Err: err}
		}
		return fromGo(native, v)
	}
}

func (r *Registry) timestampDecoder(native, pgName string) decodeFunc {
	inner := r.codecDecoder(native, pgName)
	return func(raw string) (Value, error) {
		switch strings.TrimSpace(raw) {
		case "infinity":
			return InfiniteTimestamp(1), nil
		case "-infinity":
			return InfiniteTimestamp(-1), nil
		}
		return inner(raw)
	}
}

func fromGo(native string, v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case []byte:
		return Bytes(x), nil
	case time.Time:
		return Timestamp(x), nil
	case pgtype.InfinityModifier:
		if x == pgtype.NegativeInfinity {
			return InfiniteTimestamp(-1), nil
		}
		return InfiniteTimestamp(1), nil
	default:
		return Value{}, &DecodeError{Type: native, Err: fmt.Errorf("unexpected decoded type %T", v)}
	}
}

func decodeString(raw string) (Value, error) {
	return String(raw), nil
}

func decodeNumeric(raw string) (Value, error) {
	switch raw {
	case "NaN", "Infinity", "-Infinity":
		return String(raw), nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Value{}, &DecodeError{Type: "numeric", Err: err}
	}
	// String trims trailing zeros; the column's scale is kept.
	if exp := d.Exponent(); exp < 0 {
		return String(d.StringFixed(-exp)), nil
	}
	return String(d.String()), nil
}

func decodeHstore(raw string) (Value, error) {
	var h pgtype.Hstore
	if err := h.Scan(raw); err != nil {
		return Value{}, &DecodeError{Type: "hstore", Err: err}
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i].Key = k
		if v := h[k]; v != nil {
			entries[i].Value = String(*v)
		} else {
			entries[i].Value = Null()
		}
	}
	return Map(entries...), nil
}
