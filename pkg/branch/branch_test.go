package branch

import (
	"os"
	"path/filepath"
	"testing"

	"chronodb/pkg/chunk"
	"chronodb/pkg/compression"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ks = types.DefaultKeyspace

func qk(key string) types.QualifiedKey {
	return types.NewQualifiedKey(ks, key)
}

func openManager(t *testing.T, root string) *Manager {
	t.Helper()
	codec, err := compression.ByName("snappy")
	require.NoError(t, err)
	m, err := Open(root, Options{Codec: codec, CacheCapacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func master(t *testing.T, m *Manager) *Branch {
	t.Helper()
	b, err := m.Branch(types.MasterBranch)
	require.NoError(t, err)
	return b
}

// commit writes the given keys at ts the way the commit coordinator does.
// An empty value is a deletion.
func commit(t *testing.T, b *Branch, ts int64, writes map[string]string) {
	t.Helper()
	require.Greater(t, ts, b.Now())
	head := b.Chunks().Head()
	var recs []chunk.VersionRecord
	for k, v := range writes {
		recs = append(recs, chunk.VersionRecord{Key: qk(k), Timestamp: ts, Value: []byte(v), Tombstone: v == ""})
	}
	require.NoError(t, head.AppendVersions(recs))
	require.NoError(t, head.AppendCommit(chunk.CommitRecord{Timestamp: ts, TxID: uuid.New()}))
	for _, r := range recs {
		value := r.Value
		if r.Tombstone {
			value = nil
		}
		head.Table().Put(r.Key, memtable.Version{Timestamp: ts, Value: value, Tombstone: r.Tombstone})
		b.Cache().Commit(r.Key, ts, value, !r.Tombstone)
	}
	head.AddCommit(chunk.CommitRecord{Timestamp: ts})
	require.NoError(t, head.PersistNow(ts))
	b.Publish(ts)
}

func TestBranch_RangedGetBetweenCommits(t *testing.T) {
	b := master(t, openManager(t, t.TempDir()))
	commit(t, b, 1000, map[string]string{"k": "World"})
	commit(t, b, 2000, map[string]string{"k": "Bar"})

	tests := []struct {
		name   string
		ts     int64
		value  string
		exists bool
		period types.Period
	}{
		{name: "before first commit", ts: 500, period: types.NewPeriod(0, 1000)},
		{name: "at first commit", ts: 1000, value: "World", exists: true, period: types.NewPeriod(1000, 2000)},
		{name: "between commits", ts: 1500, value: "World", exists: true, period: types.NewPeriod(1000, 2000)},
		{name: "at second commit", ts: 2000, value: "Bar", exists: true, period: types.PeriodFrom(2000)},
		{name: "after last commit", ts: 9000, value: "Bar", exists: true, period: types.PeriodFrom(2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// twice: the second answer comes from the cache
			for i := 0; i < 2; i++ {
				r := b.RangedGet(qk("k"), tt.ts)
				require.Equal(t, tt.exists, r.Exists)
				require.Equal(t, tt.period, r.Period)
				if tt.exists {
					require.Equal(t, tt.value, string(r.Value))
				}
			}
		})
	}

	r := b.RangedGet(qk("unknown"), 1500)
	require.False(t, r.Exists)
	require.Equal(t, types.Eternal(), r.Period)
}

func TestBranch_RangedGetTombstone(t *testing.T) {
	b := master(t, openManager(t, t.TempDir()))
	commit(t, b, 10, map[string]string{"k": "v"})
	commit(t, b, 20, map[string]string{"k": ""})

	r := b.RangedGet(qk("k"), 25)
	require.False(t, r.Exists)
	require.Equal(t, types.PeriodFrom(20), r.Period)
	require.Equal(t, []int64{10, 20}, b.History(qk("k"), 100))
}

func TestBranch_RangedGetAcrossRollover(t *testing.T) {
	b := master(t, openManager(t, t.TempDir()))
	commit(t, b, 1000, map[string]string{"k": "World"})
	_, err := b.Rollover()
	require.NoError(t, err)
	commit(t, b, 2000, map[string]string{"k": "Bar"})
	commit(t, b, 3000, map[string]string{"other": "x"})

	require.Len(t, b.Chunks().Chunks(), 2)
	r := b.RangedGet(qk("k"), 500)
	require.Equal(t, types.NewPeriod(0, 1000), r.Period)
	r = b.RangedGet(qk("k"), 1500)
	require.Equal(t, "World", string(r.Value))
	require.Equal(t, types.NewPeriod(1000, 2000), r.Period)

	require.Equal(t, []int64{1000, 2000}, b.History(qk("k"), 5000))
	mods := b.Modifications(ks, 0, 5000)
	require.Len(t, mods, 3)
	assert.Equal(t, types.TemporalKey{QualifiedKey: qk("k"), Timestamp: 1000}, mods[0])
	assert.Equal(t, types.TemporalKey{QualifiedKey: qk("other"), Timestamp: 3000}, mods[2])
}

func TestBranch_ReadsAreBoundedByNow(t *testing.T) {
	b := master(t, openManager(t, t.TempDir()))
	commit(t, b, 10, map[string]string{"k": "v1"})

	// an uncommitted version above now stays invisible
	b.Chunks().Head().Table().Put(qk("k"), memtable.Version{Timestamp: 20, Value: []byte("v2")})

	r := b.RangedGet(qk("k"), 30)
	require.Equal(t, "v1", string(r.Value))
	require.Equal(t, types.PeriodFrom(10), r.Period)
	require.Equal(t, []int64{10}, b.History(qk("k"), 30))
	require.Empty(t, b.Modifications(ks, 11, 30))
}

func TestBranch_ChildInheritsParentUntilOrigin(t *testing.T) {
	m := openManager(t, t.TempDir())
	parent := master(t, m)
	commit(t, parent, 1000, map[string]string{"k": "World", "a": "1"})
	commit(t, parent, 3000, map[string]string{"k": "Bar"})

	child, err := m.CreateBranch(types.MasterBranch, "feature", 2000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), child.Now())
	commit(t, child, 4000, map[string]string{"k": "Baz"})

	r := child.RangedGet(qk("k"), 1500)
	require.Equal(t, "World", string(r.Value))
	require.Equal(t, types.NewPeriod(1000, 4000), r.Period, "parent's later write is not part of the child")

	r = child.RangedGet(qk("k"), 2500)
	require.Equal(t, "World", string(r.Value))
	require.Equal(t, types.NewPeriod(1000, 4000), r.Period)

	r = child.RangedGet(qk("k"), 4500)
	require.Equal(t, "Baz", string(r.Value))
	require.Equal(t, types.PeriodFrom(4000), r.Period)

	r = parent.RangedGet(qk("k"), 4500)
	require.Equal(t, "Bar", string(r.Value))

	r = child.RangedGet(qk("a"), 4500)
	require.Equal(t, "1", string(r.Value))
	require.Equal(t, types.PeriodFrom(1000), r.Period)

	require.Equal(t, []int64{1000, 4000}, child.History(qk("k"), 5000))
	require.Len(t, child.CommitsBetween(0, 5000), 2)
	_, ok := child.CommitAt(3000)
	require.False(t, ok)
	_, ok = child.CommitAt(1000)
	require.True(t, ok)
}

func TestBranch_KeysAndKeyspaces(t *testing.T) {
	m := openManager(t, t.TempDir())
	parent := master(t, m)
	commit(t, parent, 10, map[string]string{"a": "1", "b": "2"})
	_, err := parent.Rollover()
	require.NoError(t, err)

	child, err := m.CreateBranch(types.MasterBranch, "child", -1)
	require.NoError(t, err)
	require.Equal(t, int64(10), child.Origin())
	commit(t, child, 20, map[string]string{"a": "", "c": "3"})

	require.Equal(t, []string{"a", "b"}, parent.Keys(ks, 30))
	require.Equal(t, []string{"b", "c"}, child.Keys(ks, 30))
	require.Equal(t, []string{"a", "b"}, child.Keys(ks, 15))
	require.Equal(t, []string{ks}, child.Keyspaces(30))
	require.Empty(t, parent.Keyspaces(5))
}

func TestBranch_FindComposesParentIndex(t *testing.T) {
	m := openManager(t, t.TempDir())
	parent := master(t, m)
	commit(t, parent, 10, map[string]string{"p1": "alice"})
	parent.Index().Apply(index.Change{Timestamp: 10, Index: "name", Value: "alice", Key: qk("p1"), Added: true})

	child, err := m.CreateBranch(types.MasterBranch, "child", 10)
	require.NoError(t, err)
	commit(t, child, 20, map[string]string{"p1": "bob"})
	child.Index().Apply(
		index.Change{Timestamp: 20, Index: "name", Value: "alice", Key: qk("p1"), Added: false},
		index.Change{Timestamp: 20, Index: "name", Value: "bob", Key: qk("p1"), Added: true},
	)

	spec := index.SearchSpec{Index: "name", Keyspace: ks, Condition: index.Equals, Text: "alice"}
	got, err := child.Find(spec, 15)
	require.NoError(t, err)
	require.Equal(t, []types.QualifiedKey{qk("p1")}, got)

	got, err = child.Find(spec, 25)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = parent.Find(spec, 25)
	require.NoError(t, err)
	require.Equal(t, []types.QualifiedKey{qk("p1")}, got)
}

func TestBranch_ReindexPersistsEvents(t *testing.T) {
	root := t.TempDir()
	m := openManager(t, root)
	b := master(t, m)
	commit(t, b, 10, map[string]string{"p1": "alice"})
	_, err := b.Rollover()
	require.NoError(t, err)
	commit(t, b, 20, map[string]string{"p1": "bob", "p2": "alice"})

	indexers := map[string][]index.Indexer{
		"name": {index.IndexerFunc[string](func(s string) []string { return []string{s} })},
	}
	decode := func(data []byte) (any, error) { return string(data), nil }
	require.NoError(t, b.Reindex(indexers, decode))

	spec := index.SearchSpec{Index: "name", Keyspace: ks, Condition: index.Equals, Text: "alice"}
	check := func(b *Branch) {
		got, err := b.Find(spec, 15)
		require.NoError(t, err)
		require.Equal(t, []types.QualifiedKey{qk("p1")}, got)
		got, err = b.Find(spec, 25)
		require.NoError(t, err)
		require.Equal(t, []types.QualifiedKey{qk("p2")}, got)
	}
	check(b)

	require.NoError(t, m.Close())
	check(master(t, openManager(t, root)))
}

func TestManager_CreateValidation(t *testing.T) {
	m := openManager(t, t.TempDir())
	commit(t, master(t, m), 10, map[string]string{"k": "v"})

	_, err := m.CreateBranch(types.MasterBranch, "future", 11)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = m.CreateBranch(types.MasterBranch, "../escape", 5)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = m.CreateBranch("missing", "x", 5)
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	_, err = m.CreateBranch(types.MasterBranch, "x", 5)
	require.NoError(t, err)
	_, err = m.CreateBranch(types.MasterBranch, "x", 5)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestManager_ReopenAndDrop(t *testing.T) {
	root := t.TempDir()
	m := openManager(t, root)
	commit(t, master(t, m), 10, map[string]string{"k": "v"})
	child, err := m.CreateBranch(types.MasterBranch, "child", 10)
	require.NoError(t, err)
	_, err = m.CreateBranch("child", "grandchild", 10)
	require.NoError(t, err)
	commit(t, child, 20, map[string]string{"k": "w"})
	require.NoError(t, m.Close())

	m = openManager(t, root)
	require.Equal(t, []string{"child", "grandchild", types.MasterBranch}, m.Branches())
	child, err = m.Branch("child")
	require.NoError(t, err)
	require.Equal(t, int64(10), child.Origin())
	require.Equal(t, int64(20), child.Now())
	require.Equal(t, "w", string(child.RangedGet(qk("k"), 25).Value))

	all := m.All()
	require.Equal(t, types.MasterBranch, all[0].Name())
	require.Equal(t, "grandchild", all[2].Name())

	require.ErrorIs(t, m.DropBranch(types.MasterBranch), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, m.DropBranch("child"), dberrors.ErrInvalidArgument)
	require.NoError(t, m.DropBranch("grandchild"))
	require.NoError(t, m.DropBranch("child"))
	require.ErrorIs(t, m.DropBranch("child"), dberrors.ErrNotFound)
	require.Equal(t, []string{types.MasterBranch}, m.Branches())
	_, err = os.Stat(child.Dir())
	require.True(t, os.IsNotExist(err))
}

func TestManager_RecoverHookRunsBeforeLoad(t *testing.T) {
	root := t.TempDir()
	openManager(t, root)

	var seen []string
	m, err := Open(root, Options{Recover: func(dir string) error {
		seen = append(seen, dir)
		return nil
	}})
	require.NoError(t, err)
	defer m.Close()
	require.Len(t, seen, 1)
	require.Equal(t, master(t, m).Dir(), seen[0])
}

func TestManager_SyncedCreateLeavesCompleteDescriptor(t *testing.T) {
	root := t.TempDir()
	codec, err := compression.ByName("none")
	require.NoError(t, err)
	m, err := Open(root, Options{Codec: codec, Sync: true})
	require.NoError(t, err)
	commit(t, master(t, m), 10, map[string]string{"k": "v"})
	child, err := m.CreateBranch(types.MasterBranch, "child", 10)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoFileExists(t, filepath.Join(child.Dir(), metaFile+".tmp"))
	meta, err := readMeta(child.Dir())
	require.NoError(t, err)
	require.Equal(t, "child", meta.Name)
	require.Equal(t, types.MasterBranch, meta.Parent)
	require.Equal(t, int64(10), meta.Origin)
}
