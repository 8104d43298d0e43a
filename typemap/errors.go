package typemap

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedLiteral = errors.New("malformed literal")

// UnsupportedTypeError is returned for native types with no registry entry.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported native type %q", e.Type)
}

// ConstraintError is returned when a value falls outside its type's declared domain.
type ConstraintError struct {
	Type    string
	Value   string
	Allowed []string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("value %q is not a member of %s (allowed: %s)", e.Value, e.Type, strings.Join(e.Allowed, ", "))
}

// DecodeError wraps a failure to decode a raw value of a known type.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
