package index

import (
	"fmt"
	"sort"
	"strings"

	"chronodb/pkg/dberrors"
)

// Indexer extracts the values an object is indexed under. An indexer that
// cannot handle an object must say so through CanIndex.
type Indexer interface {
	CanIndex(v any) bool
	IndexValues(v any) []string
}

// IndexerFunc adapts a typed extraction function to Indexer.
type IndexerFunc[T any] func(T) []string

func (f IndexerFunc[T]) CanIndex(v any) bool {
	_, ok := v.(T)
	return ok
}

func (f IndexerFunc[T]) IndexValues(v any) []string {
	t, ok := v.(T)
	if !ok {
		return nil
	}
	return f(t)
}

type DiffKind uint8

const (
	DiffEmpty DiffKind = iota
	DiffAdditive
	DiffSubtractive
	DiffMixed
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdditive:
		return "additive"
	case DiffSubtractive:
		return "subtractive"
	case DiffMixed:
		return "mixed"
	default:
		return "empty"
	}
}

// ValueDiff holds, per index name, the values a key gains and loses when
// its value changes. Value lists are sorted.
type ValueDiff struct {
	Additions map[string][]string
	Removals  map[string][]string
}

func (d ValueDiff) Kind() DiffKind {
	added, removed := len(d.Additions) > 0, len(d.Removals) > 0
	switch {
	case added && removed:
		return DiffMixed
	case added:
		return DiffAdditive
	case removed:
		return DiffSubtractive
	default:
		return DiffEmpty
	}
}

func (d ValueDiff) IsEmpty() bool { return d.Kind() == DiffEmpty }

// Indexes lists the index names the diff touches, sorted.
func (d ValueDiff) Indexes() []string {
	seen := make(map[string]struct{}, len(d.Additions)+len(d.Removals))
	for name := range d.Additions {
		seen[name] = struct{}{}
	}
	for name := range d.Removals {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CalculateDiff runs the indexers of every index on both values and
// returns the symmetric difference. A nil value is a missing or deleted
// object and indexes to nothing.
func CalculateDiff(indexers map[string][]Indexer, oldValue, newValue any) (ValueDiff, error) {
	var diff ValueDiff
	for name, list := range indexers {
		before, err := Values(name, list, oldValue)
		if err != nil {
			return ValueDiff{}, err
		}
		after, err := Values(name, list, newValue)
		if err != nil {
			return ValueDiff{}, err
		}
		if added := minus(after, before); len(added) > 0 {
			if diff.Additions == nil {
				diff.Additions = make(map[string][]string)
			}
			diff.Additions[name] = added
		}
		if removed := minus(before, after); len(removed) > 0 {
			if diff.Removals == nil {
				diff.Removals = make(map[string][]string)
			}
			diff.Removals[name] = removed
		}
	}
	return diff, nil
}

// Values returns the de-duplicated, non-blank values v is indexed under by
// the indexers of one index. More than one indexer accepting v is a
// configuration error.
func Values(name string, indexers []Indexer, v any) (map[string]struct{}, error) {
	if v == nil {
		return nil, nil
	}
	var claimed Indexer
	for _, ix := range indexers {
		if !ix.CanIndex(v) {
			continue
		}
		if claimed != nil {
			return nil, &dberrors.Error{
				Kind: dberrors.KindIndexerConflict,
				Op:   "index " + name,
				Err:  fmt.Errorf("indexers %T and %T both accept %T", claimed, ix, v),
			}
		}
		claimed = ix
	}
	if claimed == nil {
		return nil, nil
	}
	out := make(map[string]struct{})
	for _, s := range claimed.IndexValues(v) {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out[s] = struct{}{}
	}
	return out, nil
}

func minus(a, b map[string]struct{}) []string {
	var out []string
	for s := range a {
		if _, ok := b[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
