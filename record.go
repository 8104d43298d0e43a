package pgcdc

import (
	"context"
	"encoding/json"

	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/replication"
)

type RecordType string

const (
	RecordTypeRow    RecordType = "row"
	RecordTypeChange RecordType = "change"
	RecordTypeState  RecordType = "state"
)

// Record is one unit of connector output. Row is set for snapshot rows, Change for streamed changes
// and State, the serialized checkpoint, for state records.
type Record struct {
	Type     RecordType               `json:"type"`
	Table    catalog.TableID          `json:"table,omitzero"`
	Row      *catalog.RowImage        `json:"row,omitempty"`
	Change   *replication.ChangeEvent `json:"change,omitempty"`
	Position replication.Position     `json:"position,omitzero"`
	State    json.RawMessage          `json:"state,omitempty"`
}

// Handler receives records in order. An error stops the run; the batch it belongs to is not checkpointed.
type Handler func(ctx context.Context, r *Record) error
