package checkpoint

import (
	"errors"
	"fmt"
)

var (
	ErrInvalid            = errors.New("invalid checkpoint")
	ErrRegression         = errors.New("checkpoint regression")
	ErrSlotMismatch       = errors.New("checkpoint slot mismatch")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrUnknownDriver      = errors.New("unknown checkpoint driver")
)

// PersistenceError is returned when a checkpoint cannot be stored or would regress stored state.
type PersistenceError struct {
	Store string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Store, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// admit decides whether next may replace prev. It reports false with no error when the two are equal.
func admit(store string, prev, next *Checkpoint) (bool, error) {
	if next == nil {
		return false, &PersistenceError{Store: store, Op: "save", Err: fmt.Errorf("%w: nil checkpoint", ErrInvalid)}
	}
	if next.Equal(prev) {
		return false, nil
	}
	if err := next.Validate(prev); err != nil {
		return false, &PersistenceError{Store: store, Op: "save", Err: err}
	}
	return true, nil
}

// decode parses stored state. Corrupt or unknown-version data is reported as a PersistenceError.
func decode(store string, data []byte) (*Checkpoint, error) {
	c, err := Unmarshal(data)
	if err != nil {
		return nil, &PersistenceError{Store: store, Op: "decode", Err: err}
	}
	return c, nil
}
