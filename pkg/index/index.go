package index

import (
	"math"
	"sort"
	"strings"
	"sync"

	"chronodb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"
)

// Event records that a key started (Added) or stopped being indexed under
// a value at a commit timestamp.
type Event struct {
	Timestamp int64
	Added     bool
}

// Change is an event together with where it belongs.
type Change struct {
	Timestamp int64
	Index     string
	Value     string
	Key       types.QualifiedKey
	Added     bool
}

// Pair identifies one (value, key) association inside an index.
type Pair struct {
	Value string
	Key   types.QualifiedKey
}

// Changes expands a diff of one key into events at ts.
func Changes(ts int64, key types.QualifiedKey, diff ValueDiff) []Change {
	var out []Change
	for _, name := range diff.Indexes() {
		for _, v := range diff.Removals[name] {
			out = append(out, Change{Timestamp: ts, Index: name, Value: v, Key: key, Added: false})
		}
		for _, v := range diff.Additions[name] {
			out = append(out, Change{Timestamp: ts, Index: name, Value: v, Key: key, Added: true})
		}
	}
	return out
}

type entry struct {
	key types.QualifiedKey

	mu     sync.RWMutex
	events []Event
}

func (e *entry) put(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.events)
	if n == 0 || e.events[n-1].Timestamp < ev.Timestamp {
		e.events = append(e.events, ev)
		return
	}
	i := sort.Search(n, func(i int) bool { return e.events[i].Timestamp >= ev.Timestamp })
	if i < n && e.events[i].Timestamp == ev.Timestamp {
		e.events[i] = ev
		return
	}
	e.events = append(e.events, Event{})
	copy(e.events[i+1:], e.events[i:])
	e.events[i] = ev
}

func (e *entry) remove(ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.events), func(i int) bool { return e.events[i].Timestamp >= ts })
	if i < len(e.events) && e.events[i].Timestamp == ts {
		e.events = append(e.events[:i], e.events[i+1:]...)
	}
}

// state returns the last event with from <= timestamp <= to.
func (e *entry) state(from, to int64) (Event, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := sort.Search(len(e.events), func(i int) bool { return e.events[i].Timestamp > to })
	if i == 0 || e.events[i-1].Timestamp < from {
		return Event{}, false
	}
	return e.events[i-1], true
}

func (e *entry) between(from, to int64) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Timestamp >= from && ev.Timestamp <= to {
			out = append(out, ev)
		}
	}
	return out
}

type (
	keyMap   = skipmap.OrderedMap[string, *entry]
	valueMap = skipmap.OrderedMap[string, *keyMap]
)

// Index is the secondary index of one branch: index name -> value -> key
// -> events. It only holds the branch's own events; inherited history is
// answered by the parent branch's index.
type Index struct {
	names *skipmap.OrderedMap[string, *valueMap]
}

func New() *Index {
	return &Index{names: skipmap.New[string, *valueMap]()}
}

func qualifiedKey(qk types.QualifiedKey) string {
	return qk.Keyspace + "\x00" + qk.Key
}

func splitKey(s string) types.QualifiedKey {
	ks, key, _ := strings.Cut(s, "\x00")
	return types.QualifiedKey{Keyspace: ks, Key: key}
}

func (ix *Index) Apply(changes ...Change) {
	for _, ch := range changes {
		values, _ := ix.names.LoadOrStoreLazy(ch.Index, func() *valueMap {
			return skipmap.New[string, *keyMap]()
		})
		keys, _ := values.LoadOrStoreLazy(ch.Value, func() *keyMap {
			return skipmap.New[string, *entry]()
		})
		e, _ := keys.LoadOrStoreLazy(qualifiedKey(ch.Key), func() *entry {
			return &entry{key: ch.Key}
		})
		e.put(Event{Timestamp: ch.Timestamp, Added: ch.Added})
	}
}

// Revert removes the events the changes created.
func (ix *Index) Revert(changes ...Change) {
	for _, ch := range changes {
		values, ok := ix.names.Load(ch.Index)
		if !ok {
			continue
		}
		keys, ok := values.Load(ch.Value)
		if !ok {
			continue
		}
		if e, ok := keys.Load(qualifiedKey(ch.Key)); ok {
			e.remove(ch.Timestamp)
		}
	}
}

// Drop forgets every event of an index.
func (ix *Index) Drop(name string) {
	ix.names.Delete(name)
}

func (ix *Index) Names() []string {
	var out []string
	ix.names.Range(func(name string, _ *valueMap) bool {
		out = append(out, name)
		return true
	})
	return out
}

// Between lists all events with from <= timestamp <= to, ordered by
// timestamp. It is used to rewrite index files.
func (ix *Index) Between(from, to int64) []Change {
	var out []Change
	ix.names.Range(func(name string, values *valueMap) bool {
		values.Range(func(value string, keys *keyMap) bool {
			keys.Range(func(_ string, e *entry) bool {
				for _, ev := range e.between(from, to) {
					out = append(out, Change{Timestamp: ev.Timestamp, Index: name, Value: value, Key: e.key, Added: ev.Added})
				}
				return true
			})
			return true
		})
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Pairs resolves the state of every matching (value, key) pair that has an
// event with from <= timestamp <= to. The bool is true when the pair is
// indexed as of to.
func (ix *Index) Pairs(spec SearchSpec, from, to int64) (map[Pair]bool, error) {
	match, err := spec.matcher()
	if err != nil {
		return nil, err
	}
	out := make(map[Pair]bool)
	values, ok := ix.names.Load(spec.Index)
	if !ok {
		return out, nil
	}
	visit := func(value string, keys *keyMap) bool {
		keys.Range(func(k string, e *entry) bool {
			if e.key.Keyspace != spec.Keyspace {
				return true
			}
			if ev, ok := e.state(from, to); ok {
				out[Pair{Value: value, Key: e.key}] = ev.Added
			}
			return true
		})
		return true
	}

	if spec.Condition == Equals && !spec.CaseInsensitive {
		if keys, ok := values.Load(spec.Text); ok {
			visit(spec.Text, keys)
		}
		return out, nil
	}
	values.Range(func(value string, keys *keyMap) bool {
		if !match(value) {
			return true
		}
		return visit(value, keys)
	})
	return out, nil
}

// Evaluate returns the keys that match spec as of ts, in key order.
func (ix *Index) Evaluate(ts int64, spec SearchSpec) ([]types.QualifiedKey, error) {
	pairs, err := ix.Pairs(spec, math.MinInt64, ts)
	if err != nil {
		return nil, err
	}
	return Keys(pairs), nil
}

// Keys collects the keys of the indexed pairs, ordered and without duplicates.
func Keys(pairs map[Pair]bool) []types.QualifiedKey {
	set := skipset.New[string]()
	for p, indexed := range pairs {
		if indexed {
			set.Add(qualifiedKey(p.Key))
		}
	}
	out := make([]types.QualifiedKey, 0, set.Len())
	set.Range(func(s string) bool {
		out = append(out, splitKey(s))
		return true
	})
	return out
}
