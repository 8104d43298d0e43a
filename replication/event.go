package replication

import (
	"cmp"
	"fmt"
	"time"

	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/internal/pg"
)

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Position orders changes: LSN is the commit LSN of the owning transaction and Seq is the 1-based ordinal within it.
type Position struct {
	LSN pg.LSN `json:"lsn"`
	Seq uint32 `json:"seq"`
}

func (p Position) Compare(o Position) int {
	if c := cmp.Compare(p.LSN, o.LSN); c != 0 {
		return c
	}
	return cmp.Compare(p.Seq, o.Seq)
}

func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) IsZero() bool {
	return p.LSN == 0 && p.Seq == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s#%d", p.LSN, p.Seq)
}

// ChangeEvent is one decoded row change. After is nil for deletes and Before is nil when the server sent no old tuple.
type ChangeEvent struct {
	Operation  Operation         `json:"op"`
	Table      catalog.TableID   `json:"table"`
	Before     *catalog.RowImage `json:"before,omitempty"`
	After      *catalog.RowImage `json:"after,omitempty"`
	Position   Position          `json:"position"`
	Xid        uint32            `json:"xid"`
	CommitTime time.Time         `json:"commit_time"`
}

type EventKind uint8

const (
	EventBegin EventKind = iota + 1
	EventChange
	EventCommit
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventChange:
		return "change"
	case EventCommit:
		return "commit"
	default:
		return fmt.Sprintf("event(%d)", k)
	}
}

// Event is what the stream delivers. CommitLSN is set for every kind and EndLSN only for commits.
type Event struct {
	Kind       EventKind
	Change     *ChangeEvent
	CommitLSN  pg.LSN
	EndLSN     pg.LSN
	Xid        uint32
	CommitTime time.Time
}
