package memtable

import (
	"math"
	"sync/atomic"

	"chronodb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// NoLimit disables the visibility limit of a lookup.
const NoLimit int64 = math.MaxInt64

type keyspaceTable = skipmap.OrderedMap[string, *versionList]

// Memtable is the in-memory, ordered image of one chunk: keyspace -> key ->
// versions ascending by timestamp. Lookups never block each other; a writer
// only contends with readers of the same key.
type Memtable struct {
	keyspaces *skipmap.OrderedMap[string, *keyspaceTable]

	versions atomic.Int64
	bytes    atomic.Int64
}

func New() *Memtable {
	return &Memtable{
		keyspaces: skipmap.New[string, *keyspaceTable](),
	}
}

func (mt *Memtable) list(qk types.QualifiedKey) (*versionList, bool) {
	ks, ok := mt.keyspaces.Load(qk.Keyspace)
	if !ok {
		return nil, false
	}
	return ks.Load(qk.Key)
}

// Put stores a version. Rewriting an existing timestamp replaces it.
func (mt *Memtable) Put(qk types.QualifiedKey, v Version) {
	ks, _ := mt.keyspaces.LoadOrStoreLazy(qk.Keyspace, func() *keyspaceTable {
		return skipmap.New[string, *versionList]()
	})
	l, _ := ks.LoadOrStoreLazy(qk.Key, func() *versionList {
		return &versionList{}
	})
	if l.put(v) {
		mt.versions.Add(1)
	}
	mt.bytes.Add(int64(len(qk.Keyspace) + len(qk.Key) + len(v.Value) + 9))
}

// Remove drops the version written at ts. Used to undo uncommitted writes.
func (mt *Memtable) Remove(qk types.QualifiedKey, ts int64) bool {
	l, ok := mt.list(qk)
	if !ok {
		return false
	}
	if !l.remove(ts) {
		return false
	}
	mt.versions.Add(-1)
	if l.empty() {
		if ks, ok := mt.keyspaces.Load(qk.Keyspace); ok {
			ks.Delete(qk.Key)
		}
	}
	return true
}

// Floor returns the latest version at or before ts that is not above limit.
func (mt *Memtable) Floor(qk types.QualifiedKey, ts, limit int64) (Version, bool) {
	l, ok := mt.list(qk)
	if !ok {
		return Version{}, false
	}
	return l.floor(min(ts, limit))
}

// Higher returns the earliest version strictly after ts, not before from and
// not above limit.
func (mt *Memtable) Higher(qk types.QualifiedKey, ts, from, limit int64) (Version, bool) {
	l, ok := mt.list(qk)
	if !ok {
		return Version{}, false
	}
	start := ts + 1
	if from > start {
		start = from
	}
	v, ok := l.ceiling(start)
	if !ok || v.Timestamp > limit {
		return Version{}, false
	}
	return v, true
}

// Versions returns the versions of qk with from <= timestamp <= to.
func (mt *Memtable) Versions(qk types.QualifiedKey, from, to int64) []Version {
	l, ok := mt.list(qk)
	if !ok {
		return nil
	}
	return l.between(from, to)
}

func (mt *Memtable) HasKeyspace(keyspace string) bool {
	_, ok := mt.keyspaces.Load(keyspace)
	return ok
}

// Keyspaces lists keyspace names in order.
func (mt *Memtable) Keyspaces() []string {
	out := make([]string, 0, mt.keyspaces.Len())
	mt.keyspaces.Range(func(name string, _ *keyspaceTable) bool {
		out = append(out, name)
		return true
	})
	return out
}

// RangeKeyspace visits every key of keyspace in order together with its
// versions between from and to. Keys without such versions are skipped.
func (mt *Memtable) RangeKeyspace(keyspace string, from, to int64, fn func(key string, versions []Version) bool) {
	ks, ok := mt.keyspaces.Load(keyspace)
	if !ok {
		return
	}
	ks.Range(func(key string, l *versionList) bool {
		vs := l.between(from, to)
		if len(vs) == 0 {
			return true
		}
		return fn(key, vs)
	})
}

// Latest visits the newest version at or before limit of every key.
func (mt *Memtable) Latest(limit int64, fn func(qk types.QualifiedKey, v Version) bool) {
	mt.keyspaces.Range(func(keyspace string, ks *keyspaceTable) bool {
		cont := true
		ks.Range(func(key string, l *versionList) bool {
			v, ok := l.floor(limit)
			if !ok {
				return true
			}
			cont = fn(types.QualifiedKey{Keyspace: keyspace, Key: key}, v)
			return cont
		})
		return cont
	})
}

// Len returns the number of stored versions.
func (mt *Memtable) Len() int64 {
	return mt.versions.Load()
}

// ApproximateSize is a rough byte count of keys and values held.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.bytes.Load()
}
