package replication

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/typemap"
)

// TableResolver returns the loaded descriptor of a selected table and false for tables outside the selection.
type TableResolver func(id catalog.TableID) (*catalog.Table, bool)

type relationColumn struct {
	name   string
	native string
}

type relation struct {
	id       catalog.TableID
	selected bool
	columns  []relationColumn
}

// decoder turns pgoutput messages into events. It is owned by the drain goroutine.
type decoder struct {
	registry  *typemap.Registry
	resolve   TableResolver
	relations map[uint32]*relation

	// Transaction in progress
	commitLSN  pg.LSN
	xid        uint32
	commitTime time.Time
	seq        uint32
}

func newDecoder(registry *typemap.Registry, resolve TableResolver) *decoder {
	return &decoder{
		registry:  registry,
		resolve:   resolve,
		relations: make(map[uint32]*relation),
	}
}

// reset forgets the transaction in progress. Relations are resent by the server on every new connection.
func (d *decoder) reset() {
	d.commitLSN = 0
	d.xid = 0
	d.seq = 0
	d.relations = make(map[uint32]*relation)
}

func (d *decoder) decode(walData []byte) (*Event, error) {
	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, fmt.Errorf("parse pgoutput message: %w", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		rel, err := d.relation(m)
		if err != nil {
			return nil, err
		}
		d.relations[m.RelationID] = rel
		return nil, nil

	case *pglogrepl.BeginMessage:
		d.commitLSN = pg.FromReplication(m.FinalLSN)
		d.xid = m.Xid
		d.commitTime = m.CommitTime
		d.seq = 0
		return &Event{Kind: EventBegin, CommitLSN: d.commitLSN, Xid: m.Xid, CommitTime: m.CommitTime}, nil

	case *pglogrepl.CommitMessage:
		ev := &Event{
			Kind:       EventCommit,
			CommitLSN:  pg.FromReplication(m.CommitLSN),
			EndLSN:     pg.FromReplication(m.TransactionEndLSN),
			Xid:        d.xid,
			CommitTime: m.CommitTime,
		}
		d.seq = 0
		return ev, nil

	case *pglogrepl.InsertMessage:
		return d.change(OperationInsert, m.RelationID, nil, m.Tuple)

	case *pglogrepl.UpdateMessage:
		return d.change(OperationUpdate, m.RelationID, m.OldTuple, m.NewTuple)

	case *pglogrepl.DeleteMessage:
		return d.change(OperationDelete, m.RelationID, m.OldTuple, nil)

	case *pglogrepl.TruncateMessage:
		logger.Warn("[stream] truncate skipped", "relations", len(m.RelationIDs), "commitLSN", d.commitLSN)
		return nil, nil

	default:
		logger.Debug("[stream] message skipped", "type", fmt.Sprintf("%T", msg))
		return nil, nil
	}
}

func (d *decoder) relation(m *pglogrepl.RelationMessage) (*relation, error) {
	rel := &relation{
		id:      catalog.TableID{Schema: m.Namespace, Name: m.RelationName},
		columns: make([]relationColumn, len(m.Columns)),
	}

	table, selected := d.resolve(rel.id)
	rel.selected = selected

	for i, col := range m.Columns {
		rel.columns[i].name = col.Name
		if !selected {
			continue
		}

		if c, ok := table.Column(col.Name); ok {
			rel.columns[i].native = c.NativeType
			continue
		}

		name, ok := d.registry.NameForOID(col.DataType)
		if !ok {
			return nil, fmt.Errorf("relation %s column %s: %w", rel.id, col.Name, &typemap.UnsupportedTypeError{Type: fmt.Sprintf("oid %d", col.DataType)})
		}
		rel.columns[i].native = name
	}

	logger.Debug("[stream] relation", "table", rel.id, "columns", len(rel.columns), "selected", selected)
	return rel, nil
}

func (d *decoder) change(op Operation, relationID uint32, oldTuple, newTuple *pglogrepl.TupleData) (*Event, error) {
	d.seq++

	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("change for unknown relation %d", relationID)
	}
	if !rel.selected {
		return nil, nil
	}

	ev := &ChangeEvent{
		Operation:  op,
		Table:      rel.id,
		Position:   Position{LSN: d.commitLSN, Seq: d.seq},
		Xid:        d.xid,
		CommitTime: d.commitTime,
	}

	var err error
	if oldTuple != nil {
		if ev.Before, err = d.image(rel, oldTuple, nil); err != nil {
			return nil, err
		}
	}
	if newTuple != nil {
		if ev.After, err = d.image(rel, newTuple, ev.Before); err != nil {
			return nil, err
		}
	}

	return &Event{Kind: EventChange, Change: ev, CommitLSN: d.commitLSN, Xid: d.xid, CommitTime: d.commitTime}, nil
}

// image decodes a tuple. Unchanged TOAST columns come from fallback when it has them and are omitted otherwise.
func (d *decoder) image(rel *relation, tuple *pglogrepl.TupleData, fallback *catalog.RowImage) (*catalog.RowImage, error) {
	if len(tuple.Columns) > len(rel.columns) {
		return nil, fmt.Errorf("tuple for %s has %d columns, relation has %d", rel.id, len(tuple.Columns), len(rel.columns))
	}

	img := &catalog.RowImage{Table: rel.id, Fields: make([]typemap.Entry, 0, len(tuple.Columns))}
	for i, col := range tuple.Columns {
		rc := rel.columns[i]

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			img.Fields = append(img.Fields, typemap.Entry{Key: rc.name, Value: typemap.Null()})

		case pglogrepl.TupleDataTypeToast:
			if fallback == nil {
				continue
			}
			if v, ok := fallback.Get(rc.name); ok {
				img.Fields = append(img.Fields, typemap.Entry{Key: rc.name, Value: v})
			}

		case pglogrepl.TupleDataTypeText:
			v, err := d.registry.DecodeValue(rc.native, col.Data)
			if err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", rel.id, rc.name, err)
			}
			img.Fields = append(img.Fields, typemap.Entry{Key: rc.name, Value: v})

		default:
			return nil, fmt.Errorf("column %s.%s: unexpected tuple data type %q", rel.id, rc.name, col.DataType)
		}
	}

	return img, nil
}
