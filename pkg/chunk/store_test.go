package chunk

import (
	"os"
	"testing"

	"chronodb/pkg/compression"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	codec, err := compression.ByName("zstd")
	require.NoError(t, err)
	s, err := Open(dir, Options{Codec: codec, Sync: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// commitAt writes a single version the way a commit does and advances now.
func commitAt(t *testing.T, s *Store, key string, ts int64, value string) {
	t.Helper()
	head := s.Head()
	qk := types.NewQualifiedKey(types.DefaultKeyspace, key)
	rec := VersionRecord{Key: qk, Timestamp: ts, Value: []byte(value), Tombstone: value == ""}
	if rec.Tombstone {
		rec.Value = nil
	}
	require.NoError(t, head.AppendVersions([]VersionRecord{rec}))
	require.NoError(t, head.AppendCommit(CommitRecord{Timestamp: ts, TxID: uuid.New()}))
	head.Table().Put(qk, memtable.Version{Timestamp: ts, Value: rec.Value, Tombstone: rec.Tombstone})
	require.NoError(t, head.PersistNow(ts))
}

func lookup(t *testing.T, s *Store, key string, ts int64) (string, bool) {
	t.Helper()
	c, ok := s.ChunkFor(ts)
	if !ok {
		return "", false
	}
	v, ok := c.Table().Floor(types.NewQualifiedKey(types.DefaultKeyspace, key), ts, c.Now())
	if !ok || v.Tombstone {
		return "", false
	}
	return string(v.Value), true
}

func TestStore_FreshOpen(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.Len(t, s.Chunks(), 1)
	head := s.Head()
	require.Equal(t, types.Period{Lower: 0, Upper: types.OpenEnd}, head.Period())
	require.Equal(t, int64(0), head.Now())
	require.FileExists(t, metaPath(s.Dir(), 0))
	require.FileExists(t, dataPath(s.Dir(), 0))
	require.NoFileExists(t, indexPath(s.Dir(), 0))
}

func TestStore_ReopenRestoresVersionsAndCommits(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitAt(t, s, "Hello", 1000, "World")
	commitAt(t, s, "Hello", 2000, "Foo")
	commitAt(t, s, "Hello", 3000, "")
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	head := s.Head()
	require.Equal(t, int64(3000), head.Now())

	v, ok := lookup(t, s, "Hello", 1500)
	require.True(t, ok)
	require.Equal(t, "World", v)
	v, ok = lookup(t, s, "Hello", 2999)
	require.True(t, ok)
	require.Equal(t, "Foo", v)
	_, ok = lookup(t, s, "Hello", 3000)
	require.False(t, ok)

	commits := head.Commits(0, types.OpenEnd)
	require.Len(t, commits, 3)
	require.Equal(t, int64(1000), commits[0].Timestamp)
}

func TestStore_DropsRecordsBeyondNow(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitAt(t, s, "a", 10, "one")
	size := s.Head().DataSize()

	// written but never made visible
	qk := types.NewQualifiedKey(types.DefaultKeyspace, "a")
	require.NoError(t, s.Head().AppendVersions([]VersionRecord{{Key: qk, Timestamp: 20, Value: []byte("two")}}))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	require.Equal(t, size, s.Head().DataSize())
	v, ok := s.Head().Table().Floor(qk, 20, memtable.NoLimit)
	require.True(t, ok)
	require.Equal(t, int64(10), v.Timestamp)
}

func TestStore_TornTail(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitAt(t, s, "a", 10, "one")
	size := s.Head().DataSize()
	require.NoError(t, s.Close())

	f, err := os.OpenFile(dataPath(dir, 0), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{42, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir)
	require.Equal(t, size, s.Head().DataSize())
	v, ok := lookup(t, s, "a", 10)
	require.True(t, ok)
	require.Equal(t, "one", v)
}

func TestStore_RolloverCarriesLatestVersions(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitAt(t, s, "a", 10, "a1")
	commitAt(t, s, "b", 20, "b1")
	commitAt(t, s, "b", 30, "")

	next, err := s.Rollover()
	require.NoError(t, err)
	require.Len(t, s.Chunks(), 2)
	require.Equal(t, types.Period{Lower: 0, Upper: 31}, s.Chunks()[0].Period())
	require.Equal(t, types.Period{Lower: 31, Upper: types.OpenEnd}, next.Period())

	qa := types.NewQualifiedKey(types.DefaultKeyspace, "a")
	v, ok := next.Table().Floor(qa, 40, memtable.NoLimit)
	require.True(t, ok)
	require.Equal(t, int64(10), v.Timestamp, "carried versions keep their timestamps")
	require.False(t, next.Native(v.Timestamp))

	qb := types.NewQualifiedKey(types.DefaultKeyspace, "b")
	v, ok = next.Table().Floor(qb, 40, memtable.NoLimit)
	require.True(t, ok)
	require.True(t, v.Tombstone)

	commitAt(t, s, "a", 50, "a2")
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	require.Len(t, s.Chunks(), 2)
	got, ok := lookup(t, s, "a", 20)
	require.True(t, ok)
	require.Equal(t, "a1", got)
	got, ok = lookup(t, s, "a", 40)
	require.True(t, ok)
	require.Equal(t, "a1", got)
	got, ok = lookup(t, s, "a", 50)
	require.True(t, ok)
	require.Equal(t, "a2", got)
}

func TestStore_RolloverWithoutCommitsIsNoop(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Lower: 101, Now: 100})
	require.NoError(t, err)
	defer s.Close()

	head, err := s.Rollover()
	require.NoError(t, err)
	require.Same(t, s.Head(), head)
	require.Len(t, s.Chunks(), 1)
}

// threeChunks builds chunks [0,11), [11,21), [21,open) with one version each.
func threeChunks(t *testing.T, dir string) {
	t.Helper()
	s := openStore(t, dir)
	commitAt(t, s, "k", 10, "v10")
	_, err := s.Rollover()
	require.NoError(t, err)
	commitAt(t, s, "k", 20, "v20")
	_, err = s.Rollover()
	require.NoError(t, err)
	commitAt(t, s, "k", 30, "v30")
	require.NoError(t, s.Close())
}

func TestStore_MissingIntermediateChunk(t *testing.T) {
	dir := t.TempDir()
	threeChunks(t, dir)
	require.NoError(t, os.Remove(metaPath(dir, 1)))

	s := openStore(t, dir)
	require.Equal(t, []uint64{1}, s.Lost())
	require.Len(t, s.Chunks(), 2)

	// the previous chunk serves the lost period
	v, ok := lookup(t, s, "k", 15)
	require.True(t, ok)
	require.Equal(t, "v10", v)
	v, ok = lookup(t, s, "k", 30)
	require.True(t, ok)
	require.Equal(t, "v30", v)
}

func TestStore_MissingEarliestChunk(t *testing.T) {
	dir := t.TempDir()
	threeChunks(t, dir)
	require.NoError(t, os.Remove(dataPath(dir, 0)))

	s := openStore(t, dir)
	require.Equal(t, []uint64{0}, s.Lost())

	_, ok := s.ChunkFor(5)
	require.False(t, ok)
	v, ok := lookup(t, s, "k", 15)
	require.True(t, ok, "carried version still answers inside the surviving chunk")
	require.Equal(t, "v10", v)
}

func TestStore_MissingHeadPromotesPrevious(t *testing.T) {
	dir := t.TempDir()
	threeChunks(t, dir)
	require.NoError(t, os.Remove(metaPath(dir, 2)))

	s := openStore(t, dir)
	require.Equal(t, []uint64{2}, s.Lost())
	head := s.Head()
	require.Equal(t, uint64(1), head.Seq())
	require.True(t, head.Period().IsOpenEnded())
	require.Equal(t, int64(20), head.Now())

	v, ok := lookup(t, s, "k", 30)
	require.True(t, ok)
	require.Equal(t, "v20", v)

	// the promoted head accepts writes and the next rollover skips the orphan sequence
	commitAt(t, s, "k", 40, "v40")
	next, err := s.Rollover()
	require.NoError(t, err)
	require.Equal(t, uint64(3), next.Seq())
	require.NoError(t, s.Close())

	m, err := readMeta(metaPath(dir, 1))
	require.NoError(t, err)
	require.Equal(t, int64(41), m.Upper)
}

func TestStore_InterruptedRolloverIsClosed(t *testing.T) {
	dir := t.TempDir()
	threeChunks(t, dir)

	m, err := readMeta(metaPath(dir, 1))
	require.NoError(t, err)
	m.Upper = types.OpenEnd
	require.NoError(t, writeMeta(metaPath(dir, 1), m, false))

	s := openStore(t, dir)
	require.Empty(t, s.Lost())
	require.Equal(t, types.Period{Lower: 11, Upper: 21}, s.Chunks()[1].Period())

	m, err = readMeta(metaPath(dir, 1))
	require.NoError(t, err)
	require.Equal(t, int64(21), m.Upper)
}

func TestStore_CorruptChunkIsSkipped(t *testing.T) {
	dir := t.TempDir()
	threeChunks(t, dir)

	data, err := os.ReadFile(dataPath(dir, 1))
	require.NoError(t, err)
	// flip a payload byte of the first frame; later frames keep the damage mid-file
	data[headerSize+frameSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(dataPath(dir, 1), data, 0600))

	s := openStore(t, dir)
	require.Equal(t, []uint64{1}, s.Lost())
}

func TestChunk_IndexFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	head := s.Head()

	_, idx := head.Offsets()
	require.Equal(t, int64(-1), idx)

	qk := types.NewQualifiedKey(types.DefaultKeyspace, "p1")
	require.NoError(t, head.AppendIndex([]IndexRecord{{Timestamp: 5, Op: IndexAdd, Index: "name", Key: qk, Value: "john"}}))
	_, idx = head.Offsets()
	require.Greater(t, idx, int64(headerSize))

	require.NoError(t, head.TruncateTo(head.DataSize(), -1))
	require.NoFileExists(t, indexPath(dir, 0))

	require.NoError(t, head.AppendIndex([]IndexRecord{{Timestamp: 5, Op: IndexAdd, Index: "name", Key: qk, Value: "jack"}}))
	require.NoError(t, head.PersistNow(5))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	recs, damaged := s.Head().TakeIndexRecords()
	require.False(t, damaged)
	require.Equal(t, []IndexRecord{{Timestamp: 5, Op: IndexAdd, Index: "name", Key: qk, Value: "jack"}}, recs)

	recs, _ = s.Head().TakeIndexRecords()
	require.Empty(t, recs)
}

func TestRollbackFiles_LostMetaStillCutsData(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitAt(t, s, "k", 10, "v10")
	_, err := s.Rollover()
	require.NoError(t, err)
	commitAt(t, s, "k", 20, "v20")
	size := s.Head().DataSize()
	commitAt(t, s, "k", 30, "v30")
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(metaPath(dir, 1)))

	err = RollbackFiles(dir, 1, size, -1, 20, false)
	require.ErrorIs(t, err, ErrMetaLost)
	st, err := os.Stat(dataPath(dir, 1))
	require.NoError(t, err)
	require.Equal(t, size, st.Size())

	// the scan treats the chunk as lost and promotes the previous one
	s = openStore(t, dir)
	require.Equal(t, []uint64{1}, s.Lost())
	v, ok := lookup(t, s, "k", 30)
	require.True(t, ok)
	require.Equal(t, "v10", v)
}
