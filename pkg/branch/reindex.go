package branch

import (
	"fmt"
	"sort"

	"chronodb/pkg/index"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"
)

// Decoder turns a stored value back into the object indexers see.
type Decoder func([]byte) (any, error)

// Reindex recomputes every secondary index of the branch from its primary
// data and rewrites the index files of all own chunks. Inherited events stay
// with the parent. Readers keep using the previous index until the new one
// is complete.
func (b *Branch) Reindex(indexers map[string][]index.Indexer, decode Decoder) error {
	b.Lock()
	defer b.Unlock()
	return b.reindexLocked(indexers, decode)
}

func (b *Branch) reindexLocked(indexers map[string][]index.Indexer, decode Decoder) error {
	limit := b.Now()
	prev := make(map[types.QualifiedKey]any)
	valueBefore := func(qk types.QualifiedKey) (any, error) {
		if v, ok := prev[qk]; ok {
			return v, nil
		}
		if b.isRoot() {
			return nil, nil
		}
		v, found := b.parent.Latest(qk, b.origin)
		if !found || v.Tombstone {
			return nil, nil
		}
		return decode(v.Value)
	}

	ix := index.New()
	chunks := b.chunks.Chunks()
	for _, c := range chunks {
		p := c.Period()
		hi := min(limit, p.Upper-1)
		if p.Lower > hi {
			continue
		}
		var changes []index.Change
		for _, ks := range c.Table().Keyspaces() {
			var err error
			c.Table().RangeKeyspace(ks, p.Lower, hi, func(key string, versions []memtable.Version) bool {
				qk := types.QualifiedKey{Keyspace: ks, Key: key}
				for _, v := range versions {
					var old, cur any
					if old, err = valueBefore(qk); err != nil {
						return false
					}
					if !v.Tombstone {
						if cur, err = decode(v.Value); err != nil {
							err = fmt.Errorf("decode %s@%d: %w", qk, v.Timestamp, err)
							return false
						}
					}
					var diff index.ValueDiff
					if diff, err = index.CalculateDiff(indexers, old, cur); err != nil {
						return false
					}
					changes = append(changes, index.Changes(v.Timestamp, qk, diff)...)
					prev[qk] = cur
				}
				return true
			})
			if err != nil {
				return err
			}
		}
		sort.SliceStable(changes, func(i, j int) bool { return changes[i].Timestamp < changes[j].Timestamp })
		ix.Apply(changes...)
	}

	for _, c := range chunks {
		p := c.Period()
		if err := c.RewriteIndex(IndexRecords(ix.Between(p.Lower, p.Upper-1))); err != nil {
			return fmt.Errorf("rewrite index of chunk %d: %w", c.Seq(), err)
		}
	}
	b.index.Store(ix)
	b.markIndexDamaged(false)
	b.logger.Info("secondary indexes rebuilt", "indexes", len(indexers), "chunks", len(chunks))
	return nil
}
