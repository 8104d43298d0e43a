package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sample() *Checkpoint {
	c := New("debezium_slot")
	c.Advance(0x16B3748)
	c.Emitted = Mark{LSN: 0x16B3748, Seq: 3}
	c.SetTable("public.books", TableState{Phase: PhaseSnapshotting, Boundary: 0x16B3700, LastKey: []string{"41"}, Rows: 41})
	c.SetTable("public.orders", TableState{Phase: PhasePending})
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Checkpoint)
		want   error
	}{
		{name: "forward phase", mutate: func(c *Checkpoint) {
			c.SetTable("public.books", TableState{Phase: PhaseSnapshotDone, Boundary: 0x16B3700, LastKey: []string{"99"}, Rows: 99})
		}},
		{name: "lsn advance", mutate: func(c *Checkpoint) { c.LSN = 0x16B4000 }},
		{name: "lsn regression", mutate: func(c *Checkpoint) { c.LSN = 1 }, want: ErrRegression},
		{name: "emitted advance inside transaction", mutate: func(c *Checkpoint) { c.Emitted = Mark{LSN: 0x16B4000, Seq: 2} }},
		{name: "emitted regression", mutate: func(c *Checkpoint) { c.Emitted = Mark{LSN: 0x16B3748, Seq: 1} }, want: ErrRegression},
		{name: "phase regression", mutate: func(c *Checkpoint) {
			c.SetTable("public.books", TableState{Phase: PhasePending})
		}, want: ErrRegression},
		{name: "boundary change", mutate: func(c *Checkpoint) {
			s := c.Tables["public.books"]
			s.Boundary = 0x16B3701
			c.SetTable("public.books", s)
		}, want: ErrRegression},
		{name: "slot change", mutate: func(c *Checkpoint) { c.Slot = "other" }, want: ErrSlotMismatch},
		{name: "missing boundary", mutate: func(c *Checkpoint) {
			c.SetTable("public.orders", TableState{Phase: PhaseSnapshotting})
		}, want: ErrInvalid},
		{name: "unknown phase", mutate: func(c *Checkpoint) {
			c.SetTable("public.orders", TableState{Phase: "done"})
		}, want: ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := sample()
			next := prev.Clone()
			tt.mutate(next)

			err := next.Validate(prev)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := sample()
	cp := c.Clone()
	cp.Tables["public.books"].LastKey[0] = "changed"
	cp.Advance(0xFFFFFFFF)

	assert.Equal(t, "41", c.Tables["public.books"].LastKey[0])
	assert.False(t, c.Equal(cp))
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":7,"slot":"s","lsn":"0/0","tables":{}}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestTablesIn(t *testing.T) {
	c := sample()
	c.SetTable("public.authors", TableState{Phase: PhasePending})
	assert.Equal(t, []string{"public.authors", "public.orders"}, c.TablesIn(PhasePending))
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "state", "checkpoint.json"))
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "checkpoint.db"), "debezium_slot")
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			c := sample()
			require.NoError(t, s.Save(ctx, c))

			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.True(t, c.Equal(got))

			require.NoError(t, s.Save(ctx, c.Clone()), "identical save is a no-op")

			regressed := c.Clone()
			regressed.LSN = 0
			err = s.Save(ctx, regressed)
			var persistence *PersistenceError
			require.ErrorAs(t, err, &persistence)
			require.ErrorIs(t, err, ErrRegression)

			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, c.LSN, got.LSN, "failed save leaves stored state intact")

			next := c.Clone()
			next.SetTable("public.books", TableState{Phase: PhaseSnapshotDone, Boundary: 0x16B3700, LastKey: []string{"120"}, Rows: 120})
			next.Advance(0x16B5000)
			require.NoError(t, s.Save(ctx, next))

			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.True(t, next.Equal(got))
		})
	}
}

func TestStoresReportUndecodableState(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		stored string
		want   error
	}{
		{name: "truncated json", stored: `{"version":1,"slot":`},
		{name: "unknown version", stored: `{"version":7,"slot":"debezium_slot","lsn":"0/0","tables":{}}`, want: ErrUnsupportedVersion},
	}

	for _, tt := range tests {
		t.Run("file/"+tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.stored), 0o600))
			s := NewFileStore(path)

			_, err := s.Load(ctx)
			assertDecodeError(t, err, DriverFile, tt.want)

			err = s.Save(ctx, sample())
			assertDecodeError(t, err, DriverFile, tt.want)
		})

		t.Run("sqlite/"+tt.name, func(t *testing.T) {
			s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "checkpoint.db"), "debezium_slot")
			require.NoError(t, err)
			defer s.Close()

			_, err = s.db.ExecContext(ctx, "INSERT INTO cdc_checkpoints (slot, version, lsn, state, updated_at) VALUES (?, 1, '0/0', ?, '')", "debezium_slot", tt.stored)
			require.NoError(t, err)

			_, err = s.Load(ctx)
			assertDecodeError(t, err, DriverSQLite, tt.want)
		})
	}
}

func assertDecodeError(t *testing.T, err error, store string, want error) {
	t.Helper()

	var persistence *PersistenceError
	require.ErrorAs(t, err, &persistence)
	assert.Equal(t, store, persistence.Store)
	assert.Equal(t, "decode", persistence.Op)
	if want != nil {
		require.ErrorIs(t, err, want)
	}
}

func TestMemoryStoreIdempotentSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := sample()
	require.NoError(t, s.Save(ctx, c))
	require.NoError(t, s.Save(ctx, c))
	require.NoError(t, s.Save(ctx, c.Clone()))
	assert.Equal(t, 1, s.Saves())
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "checkpoint.json"))
	require.NoError(t, s.Save(context.Background(), sample()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory}, "slot")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, Config{Driver: "etcd"}, "slot")
	require.ErrorIs(t, err, ErrUnknownDriver)

	cfg := Config{Driver: DriverSQLite}
	cfg.SetDefault()
	assert.Equal(t, "pgcdc-checkpoint.db", cfg.Path)
	require.NoError(t, cfg.Validate())
}

func TestMarshalRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New(rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "slot"))
		c.Advance(pg.LSN(rapid.Uint64().Draw(t, "lsn")))
		c.Emitted = Mark{LSN: pg.LSN(rapid.Uint64().Draw(t, "emittedLSN")), Seq: rapid.Uint32().Draw(t, "emittedSeq")}

		n := rapid.IntRange(0, 5).Draw(t, "tables")
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`public\.[a-z]{1,6}`).Draw(t, "table")
			phase := rapid.SampledFrom([]Phase{PhasePending, PhaseSnapshotting, PhaseSnapshotDone, PhaseStreaming}).Draw(t, "phase")
			state := TableState{Phase: phase}
			if phase != PhasePending {
				state.Boundary = pg.LSN(rapid.Uint64Range(1, 1<<40).Draw(t, "boundary"))
				state.LastKey = rapid.SliceOfN(rapid.StringMatching(`[0-9a-z]{1,4}`), 1, 3).Draw(t, "key")
				state.Rows = rapid.Int64Range(0, 1<<20).Draw(t, "rows")
			}
			c.SetTable(name, state)
		}

		data, err := c.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatal(err)
		}
		if !c.Equal(got) {
			t.Fatalf("round trip mismatch: %s", data)
		}
	})
}
