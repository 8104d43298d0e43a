package pgcdc

import (
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/slot"
	"github.com/snapflowio/pgcdc/snapshot"
	"github.com/snapflowio/pgcdc/typemap"
)

type (
	TransientConnectionError   = pg.TransientError
	SlotConflictError          = slot.ConflictError
	CheckpointPersistenceError = checkpoint.PersistenceError
	SnapshotConsistencyError   = snapshot.ConsistencyError
	UnsupportedTypeError       = typemap.UnsupportedTypeError
	ConstraintError            = typemap.ConstraintError
)
