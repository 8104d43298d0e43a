package checkpoint

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/snapflowio/pgcdc/internal/pg"
)

const Version = 1

type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseSnapshotting Phase = "snapshotting"
	PhaseSnapshotDone Phase = "snapshot_done"
	PhaseStreaming    Phase = "streaming"
)

var phaseOrder = map[Phase]int{
	PhasePending:      0,
	PhaseSnapshotting: 1,
	PhaseSnapshotDone: 2,
	PhaseStreaming:    3,
}

func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Before reports whether p comes strictly earlier than o in the table lifecycle.
func (p Phase) Before(o Phase) bool {
	return phaseOrder[p] < phaseOrder[o]
}

// TableState tracks one table's progress through snapshot and streaming.
type TableState struct {
	Phase    Phase    `json:"phase"`
	Boundary pg.LSN   `json:"boundary"`
	LastKey  []string `json:"last_key,omitempty"`
	Rows     int64    `json:"rows"`
}

func (s TableState) Equal(o TableState) bool {
	return s.Phase == o.Phase && s.Boundary == o.Boundary && s.Rows == o.Rows && slices.Equal(s.LastKey, o.LastKey)
}

// Mark is a change position: the commit LSN of its transaction and its 1-based ordinal within it.
type Mark struct {
	LSN pg.LSN `json:"lsn"`
	Seq uint32 `json:"seq"`
}

func (m Mark) Less(o Mark) bool {
	if m.LSN != o.LSN {
		return m.LSN < o.LSN
	}
	return m.Seq < o.Seq
}

// Checkpoint is the durable progress of one slot. LSN is the commit LSN of the last flushed transaction.
// Emitted is the last change handed to the handler, which may sit inside a transaction past LSN.
type Checkpoint struct {
	Version int                   `json:"version"`
	Slot    string                `json:"slot"`
	LSN     pg.LSN                `json:"lsn"`
	Emitted Mark                  `json:"emitted,omitzero"`
	Tables  map[string]TableState `json:"tables"`
}

func New(slot string) *Checkpoint {
	return &Checkpoint{
		Version: Version,
		Slot:    slot,
		Tables:  make(map[string]TableState),
	}
}

func (c *Checkpoint) Table(name string) (TableState, bool) {
	s, ok := c.Tables[name]
	return s, ok
}

func (c *Checkpoint) SetTable(name string, state TableState) {
	if c.Tables == nil {
		c.Tables = make(map[string]TableState)
	}
	state.LastKey = slices.Clone(state.LastKey)
	c.Tables[name] = state
}

// Advance moves LSN forward. Lower values are ignored.
func (c *Checkpoint) Advance(lsn pg.LSN) {
	if lsn > c.LSN {
		c.LSN = lsn
	}
}

// TablesIn returns the names of tables currently in phase, sorted.
func (c *Checkpoint) TablesIn(phase Phase) []string {
	var names []string
	for name, s := range c.Tables {
		if s.Phase == phase {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Tables = make(map[string]TableState, len(c.Tables))
	for name, s := range c.Tables {
		s.LastKey = slices.Clone(s.LastKey)
		out.Tables[name] = s
	}
	return &out
}

func (c *Checkpoint) Equal(o *Checkpoint) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Version != o.Version || c.Slot != o.Slot || c.LSN != o.LSN || c.Emitted != o.Emitted {
		return false
	}
	return maps.EqualFunc(c.Tables, o.Tables, TableState.Equal)
}

// Validate checks c on its own and, when prev is set, rejects any regression from prev.
func (c *Checkpoint) Validate(prev *Checkpoint) error {
	if c.Slot == "" {
		return fmt.Errorf("%w: slot is empty", ErrInvalid)
	}
	for name, s := range c.Tables {
		if !s.Phase.Valid() {
			return fmt.Errorf("%w: table %s has unknown phase %q", ErrInvalid, name, s.Phase)
		}
		if s.Phase != PhasePending && s.Boundary == 0 {
			return fmt.Errorf("%w: table %s is %s without a boundary", ErrInvalid, name, s.Phase)
		}
	}

	if prev == nil {
		return nil
	}

	if prev.Slot != c.Slot {
		return fmt.Errorf("%w: checkpoint belongs to slot %q, not %q", ErrSlotMismatch, prev.Slot, c.Slot)
	}
	if c.LSN < prev.LSN {
		return fmt.Errorf("%w: lsn %s is behind %s", ErrRegression, c.LSN, prev.LSN)
	}
	if c.Emitted.Less(prev.Emitted) {
		return fmt.Errorf("%w: emitted %s#%d is behind %s#%d", ErrRegression, c.Emitted.LSN, c.Emitted.Seq, prev.Emitted.LSN, prev.Emitted.Seq)
	}

	for name, before := range prev.Tables {
		after, ok := c.Tables[name]
		if !ok {
			continue
		}
		if after.Phase.Before(before.Phase) {
			return fmt.Errorf("%w: table %s moved from %s back to %s", ErrRegression, name, before.Phase, after.Phase)
		}
		if before.Boundary != 0 && after.Boundary != before.Boundary {
			return fmt.Errorf("%w: table %s boundary changed from %s to %s", ErrRegression, name, before.Boundary, after.Boundary)
		}
		if after.Rows < before.Rows {
			return fmt.Errorf("%w: table %s row count went from %d to %d", ErrRegression, name, before.Rows, after.Rows)
		}
	}

	return nil
}

func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, c.Version)
	}
	if c.Tables == nil {
		c.Tables = make(map[string]TableState)
	}
	return &c, nil
}
