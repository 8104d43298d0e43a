package publication

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/snapflowio/pgcdc/catalog"
)

type Table struct {
	Schema          string
	Name            string
	ReplicaIdentity string
	IndexName       string
}

type TableOption func(*Table)

func NewTable(name string, opts ...TableOption) Table {
	t := Table{
		Name:            name,
		ReplicaIdentity: ReplicaIdentityDefault,
		Schema:          "public",
	}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

// FromTableID builds a table entry with the given replica identity.
func FromTableID(id catalog.TableID, replicaIdentity string) Table {
	return NewTable(id.Name, WithSchema(id.Schema), WithReplicaIdentity(replicaIdentity))
}

func WithSchema(schema string) TableOption {
	return func(t *Table) {
		t.Schema = schema
	}
}

func WithReplicaIdentity(replicaIdentity string) TableOption {
	return func(t *Table) {
		t.ReplicaIdentity = replicaIdentity
	}
}

func WithIndexName(indexName string) TableOption {
	return func(t *Table) {
		t.IndexName = indexName
	}
}

func (t Table) ID() catalog.TableID {
	return catalog.TableID{Schema: t.Schema, Name: t.Name}
}

func (t Table) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("table name cannot be empty")
	}

	if !slices.Contains(ReplicaIdentityOptions, t.ReplicaIdentity) {
		return fmt.Errorf("undefined replica identity option. valid identity options are: %v", ReplicaIdentityOptions)
	}

	if t.ReplicaIdentity == ReplicaIdentityIndex && strings.TrimSpace(t.IndexName) == "" {
		return errors.New("index name must be provided when using INDEX replica identity")
	}

	return nil
}

type Tables []Table

func (ts Tables) Validate() error {
	var err error
	for _, t := range ts {
		if tErr := t.Validate(); tErr != nil {
			err = errors.Join(err, fmt.Errorf("table %s: %w", t.ID(), tErr))
		}
	}
	return err
}

// IDs returns the identities of ts in order.
func (ts Tables) IDs() []catalog.TableID {
	ids := make([]catalog.TableID, len(ts))
	for i, t := range ts {
		ids[i] = t.ID()
	}
	return ids
}

func (ts Tables) Contains(id catalog.TableID) bool {
	return slices.ContainsFunc(ts, func(t Table) bool { return t.ID() == id })
}

// Diff returns the tables of ts whose replica identity differs from current. Tables missing from current are included.
func (ts Tables) Diff(current Tables) Tables {
	res := Tables{}
	byID := make(map[catalog.TableID]Table, len(current))
	for _, t := range current {
		byID[t.ID()] = t
	}

	for _, t := range ts {
		cur, found := byID[t.ID()]
		if !found || cur.ReplicaIdentity != t.ReplicaIdentity ||
			(t.ReplicaIdentity == ReplicaIdentityIndex && cur.IndexName != t.IndexName) {
			res = append(res, t)
		}
	}

	return res
}
