package pgcdc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/replication"
	"github.com/snapflowio/pgcdc/snapshot"
	"github.com/snapflowio/pgcdc/typemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testSlot = "test_slot"

var itemsID = catalog.TableID{Schema: "public", Name: "items"}

func itemsTable() *catalog.Table {
	return &catalog.Table{
		ID: itemsID,
		Columns: []catalog.Column{
			{Name: "id", NativeType: "bigint", Ordinal: 1},
			{Name: "val", NativeType: "text", Ordinal: 2, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func image(id int64, val string) *catalog.RowImage {
	return &catalog.RowImage{Table: itemsID, Fields: []typemap.Entry{
		{Key: "id", Value: typemap.Int(id)},
		{Key: "val", Value: typemap.String(val)},
	}}
}

type mutation struct {
	op  replication.Operation
	id  int64
	val string

	// joined puts the mutation in the same transaction as the one before it.
	joined bool
}

func ins(id int64, val string) mutation { return mutation{op: replication.OperationInsert, id: id, val: val} }
func upd(id int64, val string) mutation { return mutation{op: replication.OperationUpdate, id: id, val: val} }
func del(id int64) mutation { return mutation{op: replication.OperationDelete, id: id} }

func (m mutation) join() mutation {
	m.joined = true
	return m
}

// history is the committed mutation log of the items table.
type history []mutation

// lsnOf returns the LSN of mutation index i. lsnOf(-1) lies before every mutation.
func lsnOf(i int) pg.LSN {
	return pg.LSN(0x1000 + 0x10*(i+1))
}

// commitOf returns the index of the last mutation in i's transaction. It returns -1 for -1.
func (h history) commitOf(i int) int {
	for i+1 < len(h) && h[i+1].joined {
		i++
	}
	return i
}

// position returns where mutation i appears in the change stream.
func (h history) position(i int) replication.Position {
	seq := uint32(1)
	for k := i; k > 0 && h[k].joined; k-- {
		seq++
	}
	return replication.Position{LSN: lsnOf(h.commitOf(i)), Seq: seq}
}

func (h history) stateAt(i int) map[int64]string {
	rows := make(map[int64]string)
	for j, m := range h {
		if j > i {
			break
		}
		if m.op == replication.OperationDelete {
			delete(rows, m.id)
		} else {
			rows[m.id] = m.val
		}
	}
	return rows
}

func (h history) events() []replication.Event {
	var evs []replication.Event
	for i, m := range h {
		pos := h.position(i)
		ch := &replication.ChangeEvent{Operation: m.op, Table: itemsID, Position: pos}
		if m.op == replication.OperationDelete {
			ch.Before = image(m.id, "")
		} else {
			ch.After = image(m.id, m.val)
		}

		if pos.Seq == 1 {
			evs = append(evs, replication.Event{Kind: replication.EventBegin, CommitLSN: pos.LSN})
		}
		evs = append(evs, replication.Event{Kind: replication.EventChange, Change: ch, CommitLSN: pos.LSN})
		if h.commitOf(i) == i {
			evs = append(evs, replication.Event{Kind: replication.EventCommit, CommitLSN: pos.LSN, EndLSN: pos.LSN + 1})
		}
	}
	return evs
}

type fakeSnapshots struct {
	boundary pg.LSN
	rows     map[int64]string
	pageSize int

	opens  int
	afters []snapshot.Key
}

func (f *fakeSnapshots) Open(_ context.Context) (SnapshotSession, error) {
	f.opens++
	return &fakeSession{f: f}, nil
}

type fakeSession struct {
	f *fakeSnapshots
}

func (s *fakeSession) Boundary() pg.LSN {
	return s.f.boundary
}

func (s *fakeSession) ReadPage(_ context.Context, table *catalog.Table, after snapshot.Key) (snapshot.Page, error) {
	s.f.afters = append(s.f.afters, after)

	ids := slices.Sorted(maps.Keys(s.f.rows))
	var page snapshot.Page
	for _, id := range ids {
		if len(after) > 0 {
			last, err := strconv.ParseInt(after[0], 10, 64)
			if err != nil {
				return snapshot.Page{}, err
			}
			if id <= last {
				continue
			}
		}
		if len(page.Rows) == s.f.pageSize {
			break
		}
		page.Rows = append(page.Rows, image(id, s.f.rows[id]))
		page.LastKey = snapshot.Key{strconv.FormatInt(id, 10)}
	}
	page.Done = len(page.Rows) < s.f.pageSize
	return page, nil
}

func (s *fakeSession) Close(_ context.Context) error {
	return nil
}

type fakeChanges struct {
	events []replication.Event
	next   int
	start  pg.LSN
	opened bool
	closed bool

	// Synchronization (always last)
	mu    sync.Mutex
	acked pg.LSN
}

func (f *fakeChanges) Open(_ context.Context, start pg.LSN) error {
	f.opened = true
	f.start = start
	return nil
}

func (f *fakeChanges) Next(ctx context.Context) (replication.Event, error) {
	if err := ctx.Err(); err != nil {
		return replication.Event{}, err
	}
	if f.next < len(f.events) {
		ev := f.events[f.next]
		f.next++
		return ev, nil
	}
	<-ctx.Done()
	return replication.Event{}, ctx.Err()
}

func (f *fakeChanges) Ack(lsn pg.LSN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lsn > f.acked {
		f.acked = lsn
	}
}

func (f *fakeChanges) Acked() pg.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

func (f *fakeChanges) Close(_ context.Context) error {
	f.closed = true
	return nil
}

type failingStore struct {
	*checkpoint.MemoryStore
}

func (s failingStore) Save(ctx context.Context, c *checkpoint.Checkpoint) error {
	if c.LSN > 0 {
		return &checkpoint.PersistenceError{Store: checkpoint.DriverMemory, Op: "write", Err: errors.New("disk full")}
	}
	return s.MemoryStore.Save(ctx, c)
}

type recorder struct {
	records  []*Record
	onRecord func(*Record) error
}

func (r *recorder) handle(_ context.Context, rec *Record) error {
	r.records = append(r.records, rec)
	if r.onRecord != nil {
		return r.onRecord(rec)
	}
	return nil
}

func (r *recorder) of(typ RecordType) []*Record {
	var out []*Record
	for _, rec := range r.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}

// replay applies records to an empty table, treating rows and changes as upserts and deletes by key.
func replay(t require.TestingT, rows map[int64]string, records []*Record) {
	for _, rec := range records {
		switch rec.Type {
		case RecordTypeRow:
			id, ok := rec.Row.Get("id")
			require.True(t, ok)
			val, _ := rec.Row.Get("val")
			rows[id.Int()] = val.Str()
		case RecordTypeChange:
			if rec.Change.Operation == replication.OperationDelete {
				id, _ := rec.Change.Before.Get("id")
				delete(rows, id.Int())
				continue
			}
			id, _ := rec.Change.After.Get("id")
			val, _ := rec.Change.After.Get("val")
			rows[id.Int()] = val.Str()
		}
	}
}

func changePositions(r *recorder) []replication.Position {
	var out []replication.Position
	for _, rec := range r.of(RecordTypeChange) {
		out = append(out, rec.Position)
	}
	return out
}

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Slot:          testSlot,
		Tables:        []*catalog.Table{itemsTable()},
		BatchSize:     2,
		FlushInterval: time.Hour,
		InitialWait:   10 * time.Millisecond,
		ExitWhenIdle:  true,
		StopTimeout:   20 * time.Millisecond,
	}
}

func sampleHistory() history {
	return history{ins(1, "a"), ins(2, "b"), upd(1, "a2"), ins(3, "c"), del(2), upd(3, "c2")}
}

func storedCheckpoint(t *testing.T, store checkpoint.Store) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	return cp
}

func TestCoordinatorFreshRun(t *testing.T) {
	h := sampleHistory()
	snaps := &fakeSnapshots{boundary: lsnOf(2), rows: h.stateAt(3), pageSize: 2}
	changes := &fakeChanges{events: h.events()}
	store := checkpoint.NewMemoryStore()
	rec := &recorder{}

	err := NewCoordinator(testConfig(), snaps, changes, store, rec.handle).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snaps.opens)
	assert.True(t, changes.opened)
	assert.True(t, changes.closed)
	assert.Equal(t, pg.LSN(0), changes.start)

	require.NotEmpty(t, rec.records)
	assert.Equal(t, RecordTypeState, rec.records[0].Type, "boundary is saved before any row")

	assert.Equal(t, []replication.Position{{LSN: lsnOf(3), Seq: 1}, {LSN: lsnOf(4), Seq: 1}, {LSN: lsnOf(5), Seq: 1}}, changePositions(rec))

	rows := make(map[int64]string)
	replay(t, rows, rec.records)
	assert.Equal(t, h.stateAt(len(h)-1), rows)

	cp := storedCheckpoint(t, store)
	assert.Equal(t, lsnOf(5), cp.LSN)
	state, ok := cp.Table("public.items")
	require.True(t, ok)
	assert.Equal(t, checkpoint.PhaseStreaming, state.Phase)
	assert.Equal(t, lsnOf(2), state.Boundary)
	assert.Equal(t, int64(3), state.Rows)
	assert.Equal(t, lsnOf(5)+1, changes.Acked())
}

func TestCoordinatorRestartMidSnapshot(t *testing.T) {
	h := sampleHistory()
	store := checkpoint.NewMemoryStore()

	prev := checkpoint.New(testSlot)
	prev.SetTable("public.items", checkpoint.TableState{Phase: checkpoint.PhaseSnapshotting, Boundary: lsnOf(2), LastKey: []string{"1"}, Rows: 1})
	require.NoError(t, store.Save(context.Background(), prev))

	snaps := &fakeSnapshots{boundary: lsnOf(4), rows: h.stateAt(3), pageSize: 10}
	changes := &fakeChanges{events: h.events()}
	rec := &recorder{}

	err := NewCoordinator(testConfig(), snaps, changes, store, rec.handle).Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, snaps.afters)
	assert.Equal(t, snapshot.Key{"1"}, snaps.afters[0])

	var ids []int64
	for _, r := range rec.of(RecordTypeRow) {
		id, _ := r.Row.Get("id")
		ids = append(ids, id.Int())
	}
	assert.Equal(t, []int64{2, 3}, ids)

	state, _ := storedCheckpoint(t, store).Table("public.items")
	assert.Equal(t, lsnOf(2), state.Boundary, "stored boundary is kept over the new session's")
	assert.Equal(t, int64(3), state.Rows)
	assert.Equal(t, checkpoint.PhaseStreaming, state.Phase)
}

func TestCoordinatorStopFinishesPage(t *testing.T) {
	h := sampleHistory()
	snaps := &fakeSnapshots{boundary: lsnOf(5), rows: h.stateAt(5), pageSize: 1}
	store := checkpoint.NewMemoryStore()
	rec := &recorder{}

	var coord *Coordinator
	rec.onRecord = func(r *Record) error {
		if r.Type == RecordTypeRow {
			coord.Stop()
		}
		return nil
	}
	changes := &fakeChanges{events: h.events()}
	coord = NewCoordinator(testConfig(), snaps, changes, store, rec.handle)

	require.NoError(t, coord.Run(context.Background()))
	assert.Len(t, rec.of(RecordTypeRow), 1)
	assert.True(t, changes.closed)
	assert.Zero(t, changes.Acked())

	state, _ := storedCheckpoint(t, store).Table("public.items")
	assert.Equal(t, checkpoint.PhaseSnapshotting, state.Phase)
	assert.Equal(t, []string{"1"}, state.LastKey)
	assert.Equal(t, int64(1), state.Rows)
}

func TestCoordinatorStopMidTransaction(t *testing.T) {
	h := history{ins(1, "a"), ins(2, "b").join(), ins(3, "c").join(), upd(1, "a2")}
	all := []replication.Position{h.position(0), h.position(1), h.position(2), h.position(3)}

	tests := []struct {
		name      string
		delivered int
		firstRun  []replication.Position
		lsn       pg.LSN
		emitted   checkpoint.Mark
		acked     pg.LSN
	}{
		{
			name:      "commit arrives after stop",
			delivered: len(h.events()),
			firstRun:  all[:3],
			lsn:       lsnOf(2),
			emitted:   checkpoint.Mark{LSN: lsnOf(2), Seq: 3},
			acked:     lsnOf(2) + 1,
		},
		{
			name:      "commit not yet received",
			delivered: 3,
			firstRun:  all[:2],
			emitted:   checkpoint.Mark{LSN: lsnOf(2), Seq: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := checkpoint.NewMemoryStore()
			snaps := &fakeSnapshots{boundary: lsnOf(-1), pageSize: 10}
			rec := &recorder{}

			var coord *Coordinator
			rec.onRecord = func(r *Record) error {
				if r.Type == RecordTypeChange && len(rec.of(RecordTypeChange)) == 2 {
					coord.Stop()
				}
				return nil
			}
			first := &fakeChanges{events: h.events()[:tt.delivered]}
			coord = NewCoordinator(testConfig(), snaps, first, store, rec.handle)
			require.NoError(t, coord.Run(ctx))

			assert.Equal(t, tt.firstRun, changePositions(rec))
			cp := storedCheckpoint(t, store)
			assert.Equal(t, tt.lsn, cp.LSN)
			assert.Equal(t, tt.emitted, cp.Emitted)
			assert.Equal(t, tt.acked, first.Acked())

			rec.onRecord = nil
			second := &fakeChanges{events: h.events()}
			require.NoError(t, NewCoordinator(testConfig(), snaps, second, store, rec.handle).Run(ctx))

			assert.Equal(t, tt.lsn, second.start)
			assert.Equal(t, all, changePositions(rec), "each change is emitted once across stop and restart")

			rows := make(map[int64]string)
			replay(t, rows, rec.records)
			assert.Equal(t, h.stateAt(len(h)-1), rows)
		})
	}
}

func TestCoordinatorSaveFailureSkipsAck(t *testing.T) {
	h := sampleHistory()
	snaps := &fakeSnapshots{boundary: lsnOf(0), rows: h.stateAt(0), pageSize: 10}
	changes := &fakeChanges{events: h.events()}
	cfg := testConfig()
	cfg.BatchSize = 1

	err := NewCoordinator(cfg, snaps, changes, failingStore{checkpoint.NewMemoryStore()}, (&recorder{}).handle).Run(context.Background())

	var persistence *CheckpointPersistenceError
	require.ErrorAs(t, err, &persistence)
	assert.Zero(t, changes.Acked())
}

func TestCoordinatorHandlerErrorIsFatal(t *testing.T) {
	h := sampleHistory()
	snaps := &fakeSnapshots{boundary: lsnOf(0), rows: h.stateAt(0), pageSize: 10}
	changes := &fakeChanges{events: h.events()}
	boom := errors.New("sink unavailable")
	rec := &recorder{onRecord: func(r *Record) error {
		if r.Type == RecordTypeChange {
			return boom
		}
		return nil
	}}

	err := NewCoordinator(testConfig(), snaps, changes, checkpoint.NewMemoryStore(), rec.handle).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, changes.Acked())
}

func TestCoordinatorSnapshotOnly(t *testing.T) {
	h := sampleHistory()
	snaps := &fakeSnapshots{boundary: lsnOf(5), rows: h.stateAt(5), pageSize: 10}
	changes := &fakeChanges{events: h.events()}
	store := checkpoint.NewMemoryStore()
	cfg := testConfig()
	cfg.SnapshotOnly = true
	rec := &recorder{}

	require.NoError(t, NewCoordinator(cfg, snaps, changes, store, rec.handle).Run(context.Background()))

	assert.False(t, changes.opened)
	assert.Len(t, rec.of(RecordTypeRow), 2)
	assert.Empty(t, rec.of(RecordTypeChange))

	state, _ := storedCheckpoint(t, store).Table("public.items")
	assert.Equal(t, checkpoint.PhaseSnapshotDone, state.Phase)
}

func TestCoordinatorRejectsForeignCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), checkpoint.New("other_slot")))

	err := NewCoordinator(testConfig(), &fakeSnapshots{}, &fakeChanges{}, store, (&recorder{}).handle).Run(context.Background())
	require.ErrorIs(t, err, checkpoint.ErrSlotMismatch)
}

func TestCoordinatorIdleWithoutChanges(t *testing.T) {
	snaps := &fakeSnapshots{boundary: lsnOf(-1), pageSize: 10}
	changes := &fakeChanges{}
	store := checkpoint.NewMemoryStore()

	start := time.Now()
	require.NoError(t, NewCoordinator(testConfig(), snaps, changes, store, (&recorder{}).handle).Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	state, _ := storedCheckpoint(t, store).Table("public.items")
	assert.Equal(t, checkpoint.PhaseStreaming, state.Phase)
	assert.Zero(t, changes.Acked())
}

func drawHistory(t *rapid.T) history {
	n := rapid.IntRange(0, 25).Draw(t, "mutations")
	live := make(map[int64]bool)

	var h history
	for i := range n {
		id := rapid.Int64Range(1, 6).Draw(t, "id")
		val := fmt.Sprintf("v%d", i)
		var m mutation
		switch {
		case !live[id]:
			m = ins(id, val)
			live[id] = true
		case rapid.Bool().Draw(t, "delete"):
			m = del(id)
			live[id] = false
		default:
			m = upd(id, val)
		}
		if i > 0 && rapid.Bool().Draw(t, "joined") {
			m = m.join()
		}
		h = append(h, m)
	}
	return h
}

// Two runs over one store must replay to the final table state with every post-boundary mutation
// emitted exactly once. The first run may be stopped mid-snapshot or mid-stream, and may see only a
// prefix of the change stream that ends inside a transaction.
func TestCoordinatorExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := drawHistory(t)
		last := len(h) - 1
		boundary := h.commitOf(rapid.IntRange(-1, last).Draw(t, "boundary"))
		export1 := h.commitOf(rapid.IntRange(boundary, last).Draw(t, "export1"))
		export2 := h.commitOf(rapid.IntRange(export1, last).Draw(t, "export2"))
		stopAfterRows := rapid.IntRange(0, 6).Draw(t, "stopAfterRows")
		stopAfterChanges := rapid.IntRange(0, len(h)).Draw(t, "stopAfterChanges")

		events := h.events()
		cut := rapid.IntRange(0, len(events)).Draw(t, "streamCut")

		cfg := testConfig()
		cfg.BatchSize = rapid.IntRange(1, 3).Draw(t, "batchSize")

		store := checkpoint.NewMemoryStore()
		snaps := &fakeSnapshots{
			boundary: lsnOf(boundary),
			rows:     h.stateAt(export1),
			pageSize: rapid.IntRange(1, 4).Draw(t, "pageSize"),
		}
		rec := &recorder{}

		var coord *Coordinator
		rows, changes := 0, 0
		rec.onRecord = func(r *Record) error {
			switch r.Type {
			case RecordTypeRow:
				rows++
				if rows == stopAfterRows {
					coord.Stop()
				}
			case RecordTypeChange:
				changes++
				if changes == stopAfterChanges {
					coord.Stop()
				}
			}
			return nil
		}

		coord = NewCoordinator(cfg, snaps, &fakeChanges{events: events[:cut]}, store, rec.handle)
		require.NoError(t, coord.Run(context.Background()))

		snaps.rows = h.stateAt(export2)
		snaps.boundary = lsnOf(export2)
		rec.onRecord = nil
		require.NoError(t, NewCoordinator(cfg, snaps, &fakeChanges{events: events}, store, rec.handle).Run(context.Background()))

		state := make(map[int64]string)
		replay(t, state, rec.records)
		require.Equal(t, h.stateAt(last), state)

		seen := make(map[replication.Position]int)
		for _, r := range rec.of(RecordTypeChange) {
			seen[r.Position]++
		}
		for i := range h {
			pos := h.position(i)
			want := 0
			if i > boundary {
				want = 1
			}
			require.Equal(t, want, seen[pos], "mutation %d at %s", i, pos)
		}
	})
}
