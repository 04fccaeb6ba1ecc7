package store

import (
	"strings"
	"testing"
	"time"

	"chronodb/pkg/codec"
	"chronodb/pkg/config"
	"chronodb/pkg/conflict"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const master = types.MasterBranch

// mockTimeProvider implements iTimeProvider for testing
type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.now
}

func testConfig(t testing.TB) config.DB {
	cfg := config.DefaultDB()
	cfg.RootPath = t.TempDir()
	cfg.Chunk.Sync = false
	cfg.Rollover.ThresholdBytes = 0
	return cfg
}

// openStore opens a store whose wall clock is stuck at 1000 ms, so commit
// timestamps are 1000, 1001, ...
func openStore(t testing.TB, cfg config.DB, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithTimeProvider(&mockTimeProvider{now: time.UnixMilli(1000)})}, opts...)
	s, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// put commits the given values on a branch; a nil value is a deletion.
func put(t testing.TB, s *Store, branchName string, kv map[string]any) int64 {
	t.Helper()
	tx, err := s.Tx(branchName)
	require.NoError(t, err)
	for k, v := range kv {
		if v == nil {
			require.NoError(t, tx.Remove("", k))
		} else {
			require.NoError(t, tx.Put("", k, v))
		}
	}
	ts, err := tx.Commit(nil)
	require.NoError(t, err)
	return ts
}

func getAt(t testing.TB, s *Store, branchName string, ts int64, k string) any {
	t.Helper()
	tx, err := s.TxAt(branchName, ts)
	require.NoError(t, err)
	v, _, err := tx.Get("", k)
	require.NoError(t, err)
	return v
}

func get(t testing.TB, s *Store, branchName, k string) any {
	t.Helper()
	now, err := s.Now(branchName)
	require.NoError(t, err)
	if now < 0 {
		return nil
	}
	return getAt(t, s, branchName, now, k)
}

func TestStore_RangedGetWorldBar(t *testing.T) {
	s := openStore(t, testConfig(t))
	c1 := put(t, s, master, map[string]any{"k": "World"})
	c2 := put(t, s, master, map[string]any{"k": "Bar"})
	require.Greater(t, c2, c1)

	ranged := func(ts int64) types.RangedGetResult {
		tx, err := s.TxAt(master, ts)
		require.NoError(t, err)
		r, err := tx.RangedGet("", "k")
		require.NoError(t, err)
		return r
	}

	r := ranged(c1)
	require.True(t, r.Exists)
	require.Equal(t, "World", decode(t, s, r.Value))
	require.Equal(t, types.NewPeriod(c1, c2), r.Period)

	r = ranged(c2)
	require.True(t, r.Exists)
	require.Equal(t, "Bar", decode(t, s, r.Value))
	require.Equal(t, types.PeriodFrom(c2), r.Period)

	r = ranged(c1 - 1)
	require.False(t, r.Exists)
	require.Equal(t, types.NewPeriod(0, c1), r.Period)
}

func decode(t testing.TB, s *Store, b []byte) any {
	t.Helper()
	v, err := s.Registry().Unmarshal(b)
	require.NoError(t, err)
	return v
}

func TestTx_ReadsItsOwnWrites(t *testing.T) {
	s := openStore(t, testConfig(t))
	put(t, s, master, map[string]any{"a": "1", "b": "2"})

	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, tx.Put("", "c", "3"))
	require.NoError(t, tx.Remove("", "a"))
	require.NoError(t, tx.Put("other", "x", int64(7)))

	v, ok, err := tx.Get("", "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", v)
	_, ok, err = tx.Get("", "a")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := tx.Keys("")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
	spaces, err := tx.Keyspaces()
	require.NoError(t, err)
	require.Equal(t, []string{types.DefaultKeyspace, "other"}, spaces)

	// nothing is visible to others before commit
	require.Equal(t, "1", get(t, s, master, "a"))

	ts, err := tx.Commit("import")
	require.NoError(t, err)
	require.Nil(t, get(t, s, master, "a"))
	require.Equal(t, "3", get(t, s, master, "c"))
	x := getAt(t, s, master, ts, "c")
	require.Equal(t, "3", x)

	tx, err = s.Tx(master)
	require.NoError(t, err)
	v, ok, err = tx.Get("other", "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, v)
}

func TestTx_IsClosedByCommitAndRollback(t *testing.T) {
	s := openStore(t, testConfig(t))

	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, tx.Put("", "k", "v"))
	_, err = tx.Commit(nil)
	require.NoError(t, err)

	require.ErrorIs(t, tx.Put("", "k", "w"), dberrors.ErrTransactionClosed)
	_, _, err = tx.Get("", "k")
	require.ErrorIs(t, err, dberrors.ErrTransactionClosed)
	_, err = tx.Commit(nil)
	require.ErrorIs(t, err, dberrors.ErrTransactionClosed)
	require.NoError(t, tx.Rollback())

	tx, err = s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, tx.Put("", "k", "w"))
	require.NoError(t, tx.Rollback())
	require.ErrorIs(t, tx.CommitIncremental(), dberrors.ErrTransactionClosed)
	require.Equal(t, "v", get(t, s, master, "k"))
}

func TestTx_ArgumentValidation(t *testing.T) {
	s := openStore(t, testConfig(t))
	put(t, s, master, map[string]any{"k": "v"})

	_, err := s.TxAt(master, 5000)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = s.TxAt(master, -1)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = s.Tx("nope")
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Put("", "", "v"), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, tx.Put("", "k", nil), dberrors.ErrInvalidArgument)
	_, err = tx.ModificationsBetween("", 10, 5)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestTx_EmptyCommitKeepsNow(t *testing.T) {
	s := openStore(t, testConfig(t))
	ts := put(t, s, master, map[string]any{"k": "v"})

	tx, err := s.Tx(master)
	require.NoError(t, err)
	got, err := tx.Commit("nothing")
	require.NoError(t, err)
	require.Equal(t, ts, got)

	stamps, err := s.CommitTimestampsBetween(master, 0, ts+100)
	require.NoError(t, err)
	require.Equal(t, []int64{ts}, stamps)
}

func TestStore_HistoryAndModifications(t *testing.T) {
	s := openStore(t, testConfig(t))
	t1 := put(t, s, master, map[string]any{"a": "1", "b": "1"})
	t2 := put(t, s, master, map[string]any{"a": "2"})
	t3 := put(t, s, master, map[string]any{"a": nil, "b": "2"})

	tx, err := s.Tx(master)
	require.NoError(t, err)
	h, err := tx.History("", "a")
	require.NoError(t, err)
	require.Equal(t, []int64{t1, t2, t3}, h)

	mods, err := tx.ModificationsBetween("", t2, t3)
	require.NoError(t, err)
	require.Equal(t, []types.TemporalKey{
		{QualifiedKey: types.NewQualifiedKey(types.DefaultKeyspace, "a"), Timestamp: t2},
		{QualifiedKey: types.NewQualifiedKey(types.DefaultKeyspace, "a"), Timestamp: t3},
		{QualifiedKey: types.NewQualifiedKey(types.DefaultKeyspace, "b"), Timestamp: t3},
	}, mods)

	old, err := s.TxAt(master, t2)
	require.NoError(t, err)
	h, err = old.History("", "a")
	require.NoError(t, err)
	require.Equal(t, []int64{t1, t2}, h)
	mods, err = old.ModificationsBetween("", 0, t3+10)
	require.NoError(t, err)
	require.Len(t, mods, 3, "capped at the transaction timestamp")
}

func TestStore_CommitMetadata(t *testing.T) {
	s := openStore(t, testConfig(t))

	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, tx.Put("", "k", "v"))
	t1, err := tx.Commit(map[string]any{"author": "alice"})
	require.NoError(t, err)
	t2 := put(t, s, master, map[string]any{"k": "w"})

	meta, ok, err := s.CommitMetadata(master, t1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[any]any{"author": "alice"}, meta)

	meta, ok, err = s.CommitMetadata(master, t2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, meta)

	_, ok, err = s.CommitMetadata(master, t1+500)
	require.NoError(t, err)
	require.False(t, ok)

	stamps, err := s.CommitTimestampsBetween(master, t1, t2)
	require.NoError(t, err)
	require.Equal(t, []int64{t1, t2}, stamps)
}

func TestStore_ConflictStrategies(t *testing.T) {
	tests := []struct {
		name    string
		opts    []TxOption
		cfg     func(*config.DB)
		errKind dberrors.Kind
		wantK   any
		wantNew any
	}{
		{name: "default refuses", errKind: dberrors.KindCommitConflict, wantK: "T1"},
		{name: "source wins", opts: []TxOption{WithConflictStrategy(conflict.OverwriteWithSource)}, wantK: "T0", wantNew: "x"},
		{name: "target kept", opts: []TxOption{WithConflictStrategy(conflict.OverwriteWithTarget)}, wantK: "T1", wantNew: "x"},
		{
			name:  "configured default",
			cfg:   func(c *config.DB) { c.Commit.ConflictStrategy = "overwrite_with_source" },
			wantK: "T0", wantNew: "x",
		},
		{
			name:    "blind overwrite protection",
			opts:    []TxOption{WithConflictStrategy(conflict.OverwriteWithSource), WithBlindOverwriteProtection(true)},
			errKind: dberrors.KindBlindOverwrite, wantK: "T1",
		},
		{
			name:    "configured blind overwrite protection",
			cfg:     func(c *config.DB) { c.Commit.BlindOverwriteProtection = true },
			errKind: dberrors.KindBlindOverwrite, wantK: "T1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			s := openStore(t, cfg)
			put(t, s, master, map[string]any{"k": "T-1"})

			tx0, err := s.Tx(master, tt.opts...)
			require.NoError(t, err)
			t1 := put(t, s, master, map[string]any{"k": "T1"})

			require.NoError(t, tx0.Put("", "k", "T0"))
			require.NoError(t, tx0.Put("", "new", "x"))
			_, err = tx0.Commit(nil)
			if tt.errKind != dberrors.KindUnknown {
				require.Equal(t, tt.errKind, dberrors.KindOf(err))
				now, _ := s.Now(master)
				require.Equal(t, t1, now)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantK, get(t, s, master, "k"))
			require.Equal(t, tt.wantNew, get(t, s, master, "new"))
		})
	}
}

func TestStore_Branches(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	t1 := put(t, s, master, map[string]any{"k": "m1", "shared": "s"})

	require.NoError(t, s.CreateBranch(master, "feature", t1))
	put(t, s, master, map[string]any{"k": "m2"})
	f1 := put(t, s, "feature", map[string]any{"k": "f1", "only": "f"})
	require.Greater(t, f1, t1)

	require.Equal(t, []string{"feature", master}, s.Branches())
	require.Equal(t, "m2", get(t, s, master, "k"))
	require.Nil(t, get(t, s, master, "only"))
	require.Equal(t, "f1", get(t, s, "feature", "k"))
	require.Equal(t, "s", get(t, s, "feature", "shared"))
	require.Equal(t, "m1", getAt(t, s, "feature", t1, "k"))

	tx, err := s.Tx("feature")
	require.NoError(t, err)
	h, err := tx.History("", "k")
	require.NoError(t, err)
	require.Equal(t, []int64{t1, f1}, h, "the parent's later commit is not inherited")

	require.ErrorIs(t, s.CreateBranch(master, "feature", -1), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, s.CreateBranch("nope", "x", -1), dberrors.ErrNotFound)
	require.ErrorIs(t, s.CreateBranch(master, "bad name", -1), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, s.DropBranch(master), dberrors.ErrInvalidArgument)

	require.NoError(t, s.Close())
	s = openStore(t, cfg)
	require.Equal(t, "f1", get(t, s, "feature", "k"))
	require.Equal(t, "m2", get(t, s, master, "k"))

	require.NoError(t, s.DropBranch("feature"))
	_, err = s.Tx("feature")
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	require.Equal(t, []string{master}, s.Branches())
}

func TestStore_IndexersAndFind(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	t1 := put(t, s, master, map[string]any{"p1": "alice", "p2": "bob"})
	t2 := put(t, s, master, map[string]any{"p1": "alicia"})

	upper := index.IndexerFunc[string](func(v string) []string { return []string{strings.ToUpper(v)} })
	require.NoError(t, s.AddIndexer("name", upper))

	find := func(ts int64, spec index.SearchSpec) []types.QualifiedKey {
		tx, err := s.TxAt(master, ts)
		require.NoError(t, err)
		keys, err := tx.Find(spec)
		require.NoError(t, err)
		return keys
	}
	p := func(k string) types.QualifiedKey { return types.NewQualifiedKey(types.DefaultKeyspace, k) }

	startsAli := index.SearchSpec{Index: "name", Condition: index.StartsWith, Text: "ALI"}
	require.Equal(t, []types.QualifiedKey{p("p1")}, find(t1, index.SearchSpec{Index: "name", Condition: index.Equals, Text: "ALICE"}))
	require.Empty(t, find(t2, index.SearchSpec{Index: "name", Condition: index.Equals, Text: "ALICE"}))
	require.Equal(t, []types.QualifiedKey{p("p1")}, find(t2, startsAli))

	// maintained by later commits
	t3 := put(t, s, master, map[string]any{"p2": "alina", "p1": nil})
	require.Equal(t, []types.QualifiedKey{p("p2")}, find(t3, startsAli))
	require.Equal(t, []types.QualifiedKey{p("p1")}, find(t2, startsAli))

	// a second indexer accepting strings conflicts and is not installed
	err := s.AddIndexer("name", index.IndexerFunc[string](func(v string) []string { return []string{v} }))
	require.ErrorIs(t, err, dberrors.ErrIndexerConflict)
	require.Equal(t, []types.QualifiedKey{p("p2")}, find(t3, startsAli))

	require.NoError(t, s.Close())
	s = openStore(t, cfg, WithIndexer("name", upper))
	require.Equal(t, []types.QualifiedKey{p("p1")}, find(t2, startsAli))
	require.NoError(t, s.Reindex(master))
	require.Equal(t, []types.QualifiedKey{p("p2")}, find(t3, startsAli))
}

type person struct {
	Name string
	Age  int
}

func TestStore_RegisteredTypes(t *testing.T) {
	cfg := testConfig(t)
	reg := codec.NewRegistry()
	require.NoError(t, reg.Register(codec.FirstUserTag+7, person{}))
	s := openStore(t, cfg, WithRegistry(reg), WithIndexer("age", index.IndexerFunc[person](func(p person) []string {
		if p.Age >= 18 {
			return []string{"adult"}
		}
		return []string{"minor"}
	})))

	put(t, s, master, map[string]any{"p1": person{Name: "Ann", Age: 30}, "p2": person{Name: "Bo", Age: 9}})
	require.Equal(t, person{Name: "Ann", Age: 30}, get(t, s, master, "p1"))

	tx, err := s.Tx(master)
	require.NoError(t, err)
	keys, err := tx.Find(index.SearchSpec{Index: "age", Condition: index.Equals, Text: "minor"})
	require.NoError(t, err)
	require.Equal(t, []types.QualifiedKey{types.NewQualifiedKey(types.DefaultKeyspace, "p2")}, keys)
}

func TestStore_IncrementalCommit(t *testing.T) {
	s := openStore(t, testConfig(t))
	before := put(t, s, master, map[string]any{"seed": "s"})

	tx, err := s.Tx(master)
	require.NoError(t, err)
	for i, k := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Put("", k, k))
		require.NoError(t, tx.CommitIncremental(), "flush %d", i)
	}
	v, ok, err := tx.Get("", "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", v)
	keys, err := tx.Keys("")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "seed"}, keys)

	now, err := s.Now(master)
	require.NoError(t, err)
	require.Equal(t, before, now, "flushed writes are not published")

	require.NoError(t, tx.Put("", "d", "d"))
	ts, err := tx.Commit("bulk")
	require.NoError(t, err)
	require.Greater(t, ts, before)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.Equal(t, k, get(t, s, master, k))
	}
	stamps, err := s.CommitTimestampsBetween(master, 0, ts)
	require.NoError(t, err)
	require.Equal(t, []int64{before, ts}, stamps)
}

func TestStore_IncrementalRollback(t *testing.T) {
	s := openStore(t, testConfig(t))
	before := put(t, s, master, map[string]any{"seed": "s"})

	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, tx.Put("", "a", "a"))
	require.NoError(t, tx.CommitIncremental())
	require.NoError(t, tx.Rollback())

	require.Nil(t, get(t, s, master, "a"))
	now, err := s.Now(master)
	require.NoError(t, err)
	require.Equal(t, before, now)
	// the branch accepts commits again
	put(t, s, master, map[string]any{"a": "later"})
	require.Equal(t, "later", get(t, s, master, "a"))
}

func TestStore_ClosedStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	tx, err := s.Tx(master)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Tx(master)
	require.ErrorIs(t, err, dberrors.ErrClosed)
	require.ErrorIs(t, tx.Put("", "k", "v"), dberrors.ErrClosed)
	assert.ErrorIs(t, s.AddIndexer("x", index.IndexerFunc[string](func(string) []string { return nil })), dberrors.ErrClosed)
}

func TestOpen_RejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chunk.Compression = "lz4"
	_, err := Open(cfg)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
