package branch

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"chronodb/pkg/cache"
	"chronodb/pkg/chunk"
	"chronodb/pkg/clock"
	"chronodb/pkg/index"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"
)

// Branch is one timeline. Up to its origin it reads through its parent;
// after it, only its own chunks count.
type Branch struct {
	name   string
	parent *Branch
	origin int64
	dir    string

	chunks *chunk.Store
	// index is replaced as a whole by Reindex
	index  atomic.Pointer[index.Index]
	cache  *cache.RangedCache
	now    *clock.AtomicClock
	logger *slog.Logger

	// commitMu is the exclusive commit lock: commits, rollovers and
	// reindexing of this branch run under it.
	commitMu     sync.Mutex
	indexDamaged atomic.Bool
	dropped      atomic.Bool
}

func (b *Branch) Name() string { return b.name }

// Parent is nil for the master branch.
func (b *Branch) Parent() *Branch { return b.parent }

// Origin is the branching timestamp.
func (b *Branch) Origin() int64 { return b.origin }

func (b *Branch) Dir() string { return b.dir }

// Now is the published visibility horizon: commits up to it are visible.
func (b *Branch) Now() int64 { return b.now.Val() }

// Publish makes a commit visible. Only the commit coordinator calls it.
func (b *Branch) Publish(now int64) { b.now.Advance(now) }

func (b *Branch) Chunks() *chunk.Store { return b.chunks }
func (b *Branch) Index() *index.Index { return b.index.Load() }
func (b *Branch) Cache() *cache.RangedCache { return b.cache }
func (b *Branch) Logger() *slog.Logger { return b.logger }
func (b *Branch) IndexDamaged() bool { return b.indexDamaged.Load() }
func (b *Branch) Dropped() bool { return b.dropped.Load() }
func (b *Branch) markIndexDamaged(v bool) { b.indexDamaged.Store(v) }
func (b *Branch) isRoot() bool { return b.parent == nil }

// Lock takes the commit lock of the branch.
func (b *Branch) Lock() { b.commitMu.Lock() }

func (b *Branch) Unlock() { b.commitMu.Unlock() }

// Rollover starts a new head chunk at the current horizon.
func (b *Branch) Rollover() (*chunk.Chunk, error) {
	b.Lock()
	defer b.Unlock()
	return b.chunks.Rollover()
}

// RangedGet returns the value of qk at ts together with the period in
// which that value holds, as seen with the current horizon.
func (b *Branch) RangedGet(qk types.QualifiedKey, ts int64) types.RangedGetResult {
	limit := b.Now()
	if ts > limit {
		return b.rangedGet(qk, ts, limit)
	}
	// a commit writes through before publishing its timestamp; a period
	// ending past the horizon is cut at a commit readers must not see yet
	if r, ok := b.cache.Get(qk, ts); ok && (r.Period.IsOpenEnded() || r.Period.Upper <= limit) {
		return r
	}
	r := b.rangedGet(qk, ts, limit)
	b.cache.PutAt(limit, r)
	return r
}

func (b *Branch) rangedGet(qk types.QualifiedKey, ts, limit int64) types.RangedGetResult {
	if !b.isRoot() && ts <= b.origin {
		r := b.parent.rangedGet(qk, ts, b.origin)
		if r.Period.IsOpenEnded() {
			if first, ok := b.nextVersion(qk, b.origin, limit); ok {
				r.Period.Upper = first
			}
		}
		return r
	}

	var (
		lower  int64
		value  []byte
		exists bool
	)
	c, ok := b.chunks.ChunkFor(ts)
	if !ok {
		// history before the first readable chunk is lost
		first := b.chunks.Chunks()[0].Period().Lower
		return types.Absent(qk, types.Period{Lower: b.chunkLower(), Upper: first})
	}
	if v, found := c.Table().Floor(qk, ts, limit); found {
		lower, value, exists = v.Timestamp, v.Value, !v.Tombstone
	} else if !b.isRoot() {
		pr := b.parent.rangedGet(qk, b.origin, b.origin)
		lower, value, exists = pr.Period.Lower, pr.Value, pr.Exists
	}

	upper := types.OpenEnd
	if next, ok := b.nextVersion(qk, ts, limit); ok {
		upper = next
	}
	p := types.Period{Lower: lower, Upper: upper}
	if exists {
		return types.Present(qk, value, p)
	}
	return types.Absent(qk, p)
}

// chunkLower is the first timestamp stored in this branch's own chunks.
func (b *Branch) chunkLower() int64 {
	if b.isRoot() {
		return 0
	}
	return b.origin + 1
}

// nextVersion finds the earliest own version of qk strictly after ts and
// not above limit. Carried copies are skipped.
func (b *Branch) nextVersion(qk types.QualifiedKey, ts, limit int64) (int64, bool) {
	for _, c := range b.chunks.Chunks() {
		p := c.Period()
		if p.Upper <= ts+1 || p.Lower > limit {
			continue
		}
		if v, ok := c.Table().Higher(qk, ts, p.Lower, min(limit, p.Upper-1)); ok {
			return v.Timestamp, true
		}
	}
	return 0, false
}

// Latest returns the newest version of qk at or before limit, searching the
// parent as of the origin when the branch has none of its own.
func (b *Branch) Latest(qk types.QualifiedKey, limit int64) (memtable.Version, bool) {
	if !b.isRoot() && limit <= b.origin {
		return b.parent.Latest(qk, limit)
	}
	if c, ok := b.chunks.ChunkFor(limit); ok {
		if v, found := c.Table().Floor(qk, limit, limit); found {
			return v, true
		}
	}
	if !b.isRoot() {
		return b.parent.Latest(qk, b.origin)
	}
	return memtable.Version{}, false
}

// History lists the timestamps of all versions of qk up to ts, ascending.
func (b *Branch) History(qk types.QualifiedKey, ts int64) []int64 {
	limit := min(ts, b.Now())
	var out []int64
	if !b.isRoot() {
		out = b.parent.History(qk, min(limit, b.origin))
	}
	for _, c := range b.chunks.Chunks() {
		p := c.Period()
		if p.Lower > limit {
			break
		}
		for _, v := range c.Table().Versions(qk, p.Lower, min(limit, p.Upper-1)) {
			out = append(out, v.Timestamp)
		}
	}
	return out
}

// Modifications lists every version written in keyspace with from <= t <= to,
// ordered by timestamp then key. to is capped by the horizon.
func (b *Branch) Modifications(keyspace string, from, to int64) []types.TemporalKey {
	to = min(to, b.Now())
	var out []types.TemporalKey
	if !b.isRoot() && from <= b.origin {
		out = b.parent.Modifications(keyspace, from, min(to, b.origin))
	}
	for _, c := range b.chunks.Chunks() {
		p := c.Period()
		lo, hi := max(from, p.Lower), min(to, p.Upper-1)
		if lo > hi {
			continue
		}
		c.Table().RangeKeyspace(keyspace, lo, hi, func(key string, versions []memtable.Version) bool {
			for _, v := range versions {
				out = append(out, types.TemporalKey{
					QualifiedKey: types.QualifiedKey{Keyspace: keyspace, Key: key},
					Timestamp:    v.Timestamp,
				})
			}
			return true
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Keys returns the keys of keyspace that hold a value at ts, sorted.
func (b *Branch) Keys(keyspace string, ts int64) []string {
	set := b.liveKeys(keyspace, min(ts, b.Now()))
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *Branch) liveKeys(keyspace string, ts int64) map[string]struct{} {
	if !b.isRoot() && ts <= b.origin {
		return b.parent.liveKeys(keyspace, ts)
	}
	set := make(map[string]struct{})
	if !b.isRoot() {
		set = b.parent.liveKeys(keyspace, b.origin)
	}
	c, ok := b.chunks.ChunkFor(ts)
	if !ok {
		return set
	}
	// every chunk carries the newest version of each key it inherited, so
	// the chunk at ts alone decides the branch's own keys
	c.Table().RangeKeyspace(keyspace, math.MinInt64, ts, func(key string, versions []memtable.Version) bool {
		if versions[len(versions)-1].Tombstone {
			delete(set, key)
		} else {
			set[key] = struct{}{}
		}
		return true
	})
	return set
}

// Keyspaces returns the keyspaces that hold at least one key at ts, sorted.
func (b *Branch) Keyspaces(ts int64) []string {
	ts = min(ts, b.Now())
	var out []string
	for _, ks := range b.knownKeyspaces(ts) {
		if len(b.liveKeys(ks, ts)) > 0 {
			out = append(out, ks)
		}
	}
	return out
}

func (b *Branch) knownKeyspaces(ts int64) []string {
	seen := make(map[string]struct{})
	if !b.isRoot() {
		for _, ks := range b.parent.knownKeyspaces(min(ts, b.origin)) {
			seen[ks] = struct{}{}
		}
	}
	if b.isRoot() || ts > b.origin {
		if c, ok := b.chunks.ChunkFor(ts); ok {
			for _, ks := range c.Table().Keyspaces() {
				seen[ks] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for ks := range seen {
		out = append(out, ks)
	}
	sort.Strings(out)
	return out
}

// Find evaluates a secondary index search at ts.
func (b *Branch) Find(spec index.SearchSpec, ts int64) ([]types.QualifiedKey, error) {
	pairs, err := b.pairs(spec, min(ts, b.Now()))
	if err != nil {
		return nil, err
	}
	return index.Keys(pairs), nil
}

func (b *Branch) pairs(spec index.SearchSpec, ts int64) (map[index.Pair]bool, error) {
	if b.isRoot() {
		return b.Index().Pairs(spec, math.MinInt64, ts)
	}
	if ts <= b.origin {
		return b.parent.pairs(spec, ts)
	}
	inherited, err := b.parent.pairs(spec, b.origin)
	if err != nil {
		return nil, err
	}
	own, err := b.Index().Pairs(spec, b.origin+1, ts)
	if err != nil {
		return nil, err
	}
	for p, indexed := range own {
		inherited[p] = indexed
	}
	return inherited, nil
}

// CommitsBetween lists commit records with from <= t <= to, inherited ones
// included, capped by the horizon.
func (b *Branch) CommitsBetween(from, to int64) []chunk.CommitRecord {
	to = min(to, b.Now())
	var out []chunk.CommitRecord
	if !b.isRoot() && from <= b.origin {
		out = b.parent.CommitsBetween(from, min(to, b.origin))
	}
	for _, c := range b.chunks.ChunksInPeriod(types.Period{Lower: from, Upper: to + 1}) {
		out = append(out, c.Commits(max(from, c.Period().Lower), to)...)
	}
	return out
}

// CommitAt returns the commit record written at ts.
func (b *Branch) CommitAt(ts int64) (chunk.CommitRecord, bool) {
	if ts > b.Now() {
		return chunk.CommitRecord{}, false
	}
	if !b.isRoot() && ts <= b.origin {
		return b.parent.CommitAt(ts)
	}
	c, ok := b.chunks.ChunkFor(ts)
	if !ok {
		return chunk.CommitRecord{}, false
	}
	return c.Commit(ts)
}
