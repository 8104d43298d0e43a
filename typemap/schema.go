package typemap

import (
	"fmt"
	"strings"
)

// Logical names refine a Kind for consumers that need more than the wire shape.
const (
	LogicalDecimal   = "decimal"
	LogicalUUID      = "uuid"
	LogicalJSON      = "json"
	LogicalDate      = "date"
	LogicalTime      = "time"
	LogicalTimeTZ    = "time_with_timezone"
	LogicalTimestamp = "timestamp_without_timezone"
	LogicalTimeTZTS  = "timestamp_with_timezone"
	LogicalInterval  = "interval"
	LogicalEnum      = "enum"
	LogicalHstore    = "hstore"
	LogicalComposite = "composite"
)

// SchemaType is the portable schema of one native type.
type SchemaType struct {
	Native    string      `json:"native"`
	Kind      Kind        `json:"kind"`
	Logical   string      `json:"logical,omitempty"`
	Precision int         `json:"precision,omitempty"`
	Scale     int         `json:"scale,omitempty"`
	Enum      []string    `json:"enum,omitempty"`
	Fields    []Field     `json:"fields,omitempty"`
	Elem      *SchemaType `json:"elem,omitempty"`
}

type Field struct {
	Name string     `json:"name"`
	Type SchemaType `json:"type"`
}

// FieldSpec names a composite attribute and its native type.
type FieldSpec struct {
	Name string
	Type string
}

func (s SchemaType) String() string {
	switch {
	case s.Elem != nil:
		return "list<" + s.Elem.String() + ">"
	case s.Logical != "":
		return fmt.Sprintf("%s(%s)", s.Kind, s.Logical)
	default:
		return s.Kind.String()
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// typeName is a parsed native type descriptor such as "numeric(10,2)[]".
type typeName struct {
	base     string
	modifier []int
	array    bool
}

// parseTypeName normalises names from format_type and pg_type.typname.
func parseTypeName(native string) typeName {
	name := strings.ToLower(strings.TrimSpace(native))
	name = strings.ReplaceAll(name, `"`, "")

	var tn typeName

	for strings.HasSuffix(name, "[]") {
		tn.array = true
		name = strings.TrimSpace(strings.TrimSuffix(name, "[]"))
	}

	if strings.HasPrefix(name, "_") && len(name) > 1 {
		tn.array = true
		name = name[1:]
	}

	if open := strings.IndexByte(name, '('); open >= 0 {
		closeIdx := strings.IndexByte(name[open:], ')')
		if closeIdx > 0 {
			inner := name[open+1 : open+closeIdx]
			for _, part := range strings.Split(inner, ",") {
				var n int
				if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err == nil {
					tn.modifier = append(tn.modifier, n)
				}
			}
			rest := strings.TrimSpace(name[open+closeIdx+1:])
			name = strings.TrimSpace(name[:open])
			if rest != "" {
				name += " " + rest
			}
		}
	}

	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		if schema := name[:dot]; schema == "pg_catalog" || schema == "public" {
			name = name[dot+1:]
		}
	}

	tn.base = name
	return tn
}
