package typemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTimestamp
	KindList
	KindMap
)

var kindNames = [...]string{
	KindNull:      "null",
	KindBool:      "boolean",
	KindInt:       "integer",
	KindFloat:     "float",
	KindString:    "string",
	KindBytes:     "bytes",
	KindTimestamp: "timestamp",
	KindList:      "list",
	KindMap:       "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a portable column value. The zero Value is null.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	s       string
	raw     []byte
	t       time.Time
	inf     int8
	items   []Value
	entries []Entry
}

// Entry is one key of a Map value. Maps keep entry order.
type Entry struct {
	Key   string
	Value Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, raw: cp}
}

func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }

// InfiniteTimestamp builds +infinity for a positive sign and -infinity otherwise.
func InfiniteTimestamp(sign int) Value {
	if sign >= 0 {
		return Value{kind: KindTimestamp, inf: 1}
	}
	return Value{kind: KindTimestamp, inf: -1}
}

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, items: items}
}

func Map(entries ...Entry) Value {
	if entries == nil {
		entries = []Entry{}
	}
	return Value{kind: KindMap, entries: entries}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.b }

func (v Value) Int() int64 { return v.i }

func (v Value) Float() float64 { return v.f }

func (v Value) Str() string { return v.s }

func (v Value) Bytes() []byte { return v.raw }

func (v Value) Time() time.Time { return v.t }

// Infinity is 1 or -1 for infinite timestamps and 0 otherwise.
func (v Value) Infinity() int { return int(v.inf) }

func (v Value) Items() []Value { return v.items }

func (v Value) Entries() []Entry { return v.entries }

// Get returns the first entry named key of a Map value.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f) || v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTimestamp:
		return v.inf == o.inf && v.t.Equal(o.t)
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.entries) != len(o.entries) {
			return false
		}
		for i := range v.entries {
			if v.entries[i].Key != o.entries[i].Key || !v.entries[i].Value.Equal(o.entries[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface converts v to plain Go values. Maps become map[string]any and lose entry order.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindTimestamp:
		if v.inf != 0 {
			return v.infinityString()
		}
		return v.t
	case KindList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.entries))
		for _, e := range v.entries {
			out[e.Key] = e.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindTimestamp:
		if v.inf != 0 {
			return v.infinityString()
		}
		return v.t.Format(time.RFC3339Nano)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		return string(data)
	}
}

func (v Value) infinityString() string {
	if v.inf > 0 {
		return "infinity"
	}
	return "-infinity"
}

// MarshalJSON keeps Map entry order. Non-finite floats are written as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(fmt.Sprintf("%v", v.f))
		}
		return json.Marshal(v.f)
	case KindTimestamp:
		if v.inf != 0 {
			return json.Marshal(v.infinityString())
		}
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	case KindList:
		return json.Marshal(v.items)
	case KindMap:
		return marshalEntries(v.entries)
	default:
		return json.Marshal(v.Interface())
	}
}

func marshalEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := e.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", e.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalEntries encodes ordered entries as a JSON object.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return marshalEntries(entries)
}
