package conflict

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"chronodb/pkg/dberrors"
	"chronodb/pkg/types"
)

// Value is a decoded value of a key, or its absence.
type Value struct {
	Data   any
	Exists bool
}

func Present(v any) Value { return Value{Data: v, Exists: true} }

func Missing() Value { return Value{} }

// Equal compares existence and content.
func (v Value) Equal(other Value) bool {
	if v.Exists != other.Exists {
		return false
	}
	return !v.Exists || reflect.DeepEqual(v.Data, other.Data)
}

// AtomicConflict describes one key that a transaction wants to write while
// a newer version was committed after the transaction's read timestamp.
type AtomicConflict struct {
	Key    types.QualifiedKey
	Branch string
	// Base is the read timestamp of the transaction.
	Base int64
	// Source is the value the transaction wants to write.
	Source Value
	// Target is the newest committed value.
	Target Value

	ancestor func() (Value, error)
}

// New builds a conflict. fetchAncestor is called at most once, on the
// first call to Ancestor.
func New(key types.QualifiedKey, branch string, base int64, source, target Value, fetchAncestor func() (Value, error)) *AtomicConflict {
	if fetchAncestor == nil {
		fetchAncestor = func() (Value, error) { return Missing(), nil }
	}
	return &AtomicConflict{
		Key:      key,
		Branch:   branch,
		Base:     base,
		Source:   source,
		Target:   target,
		ancestor: sync.OnceValues(fetchAncestor),
	}
}

// Ancestor is the value both sides started from: the key as of Base.
func (c *AtomicConflict) Ancestor() (Value, error) {
	return c.ancestor()
}

// Strategy decides the value that is finally written for a conflict.
type Strategy interface {
	Resolve(c *AtomicConflict) (Value, error)
}

// StrategyFunc lets a plain function act as a strategy.
type StrategyFunc func(c *AtomicConflict) (Value, error)

func (f StrategyFunc) Resolve(c *AtomicConflict) (Value, error) { return f(c) }

var (
	// DoNotMerge refuses every conflict.
	DoNotMerge Strategy = StrategyFunc(func(c *AtomicConflict) (Value, error) {
		return Value{}, &dberrors.Error{Kind: dberrors.KindCommitConflict, Branch: c.Branch, Keys: []types.QualifiedKey{c.Key}}
	})
	OverwriteWithSource Strategy = StrategyFunc(func(c *AtomicConflict) (Value, error) {
		return c.Source, nil
	})
	OverwriteWithTarget Strategy = StrategyFunc(func(c *AtomicConflict) (Value, error) {
		return c.Target, nil
	})
)

// ByName resolves the strategy names used in configuration.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", "do_not_merge":
		return DoNotMerge, nil
	case "overwrite_with_source":
		return OverwriteWithSource, nil
	case "overwrite_with_target":
		return OverwriteWithTarget, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
}

// Head is what the detector needs to know about the newest committed
// version of a key. LastModified is -1 when the key was never written.
type Head struct {
	Value        Value
	LastModified int64
}

// Write is one buffered change of a transaction.
type Write struct {
	Key   types.QualifiedKey
	Value Value
}

// Resolution is what to do with one written key after conflict handling.
type Resolution struct {
	Key   types.QualifiedKey
	Value Value
	// Skip is set when the resolved value equals the committed one, so no
	// version is written.
	Skip bool
}

// Detector finds and resolves conflicts of a transaction's writes.
type Detector struct {
	Branch   string
	Base     int64
	Strategy Strategy
	// BlindOverwriteProtection refuses any write to a key that changed
	// after Base, before a strategy is consulted.
	BlindOverwriteProtection bool

	// HeadOf returns the newest committed state of a key.
	HeadOf func(types.QualifiedKey) (Head, error)
	// ValueAt returns the state of a key at a timestamp; it backs Ancestor.
	ValueAt func(types.QualifiedKey, int64) (Value, error)
}

// Resolve checks every write and returns the resolutions in key order.
// Keys whose head is not newer than Base pass through untouched.
func (d *Detector) Resolve(writes []Write) ([]Resolution, []*AtomicConflict, error) {
	if d.HeadOf == nil {
		return nil, nil, ErrNoDetector
	}
	strategy := d.Strategy
	if strategy == nil {
		strategy = DoNotMerge
	}
	writes = append([]Write(nil), writes...)
	sort.Slice(writes, func(i, j int) bool { return writes[i].Key.Less(writes[j].Key) })

	var (
		out       = make([]Resolution, 0, len(writes))
		conflicts []*AtomicConflict
	)
	for _, w := range writes {
		head, err := d.HeadOf(w.Key)
		if err != nil {
			return nil, nil, err
		}
		if head.LastModified <= d.Base {
			out = append(out, Resolution{Key: w.Key, Value: w.Value})
			continue
		}
		key := w.Key
		c := New(key, d.Branch, d.Base, w.Value, head.Value, func() (Value, error) {
			if d.ValueAt == nil {
				return Missing(), nil
			}
			return d.ValueAt(key, d.Base)
		})
		conflicts = append(conflicts, c)
	}
	if len(conflicts) == 0 {
		return out, nil, nil
	}

	if d.BlindOverwriteProtection {
		return nil, conflicts, &dberrors.Error{Kind: dberrors.KindBlindOverwrite, Op: "commit", Branch: d.Branch, Keys: keysOf(conflicts)}
	}

	var refused []types.QualifiedKey
	for _, c := range conflicts {
		v, err := strategy.Resolve(c)
		if err != nil {
			if dberrors.KindOf(err) == dberrors.KindCommitConflict {
				refused = append(refused, c.Key)
				continue
			}
			return nil, conflicts, fmt.Errorf("resolve conflict on %s: %w", c.Key, err)
		}
		out = append(out, Resolution{Key: c.Key, Value: v, Skip: v.Equal(c.Target)})
	}
	if len(refused) > 0 {
		return nil, conflicts, &dberrors.Error{Kind: dberrors.KindCommitConflict, Op: "commit", Branch: d.Branch, Keys: refused}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, conflicts, nil
}

func keysOf(conflicts []*AtomicConflict) []types.QualifiedKey {
	out := make([]types.QualifiedKey, len(conflicts))
	for i, c := range conflicts {
		out[i] = c.Key
	}
	return out
}

// ErrNoDetector is returned when HeadOf is not configured.
var ErrNoDetector = errors.New("conflict detector has no head lookup")
