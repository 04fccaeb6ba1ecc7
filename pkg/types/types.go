package types

import (
	"fmt"
	"math"
)

// OpenEnd marks the upper bound of a period that is still current.
const OpenEnd int64 = math.MaxInt64

// DefaultKeyspace is used when callers do not name a keyspace.
const DefaultKeyspace = "default"

// MasterBranch is the root of every branch tree.
const MasterBranch = "master"

// QualifiedKey identifies a logical value slot within a branch, independent of time.
type QualifiedKey struct {
	Keyspace string `json:"keyspace"`
	Key      string `json:"key"`
}

func NewQualifiedKey(keyspace, key string) QualifiedKey {
	return QualifiedKey{Keyspace: keyspace, Key: key}
}

func (qk QualifiedKey) String() string {
	return qk.Keyspace + "->" + qk.Key
}

// Less orders keys by keyspace first, then by key.
func (qk QualifiedKey) Less(other QualifiedKey) bool {
	if qk.Keyspace != other.Keyspace {
		return qk.Keyspace < other.Keyspace
	}
	return qk.Key < other.Key
}

// TemporalKey identifies one concrete version of a key.
type TemporalKey struct {
	QualifiedKey
	Timestamp int64 `json:"timestamp"`
}

func (tk TemporalKey) String() string {
	return fmt.Sprintf("%s@%d", tk.QualifiedKey, tk.Timestamp)
}

// ChronoIdentifier is unique across all branches of a store.
type ChronoIdentifier struct {
	TemporalKey
	Branch string `json:"branch"`
}

func (id ChronoIdentifier) String() string {
	return id.Branch + ":" + id.TemporalKey.String()
}

// Period is the half-open range [Lower, Upper).
type Period struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// Eternal covers the whole timeline.
func Eternal() Period {
	return Period{Lower: 0, Upper: OpenEnd}
}

// NewPeriod panics on an inverted range; that is always a programming error.
func NewPeriod(lower, upper int64) Period {
	if lower > upper {
		panic(fmt.Sprintf("invalid period [%d, %d)", lower, upper))
	}
	return Period{Lower: lower, Upper: upper}
}

// PeriodFrom returns [lower, OpenEnd).
func PeriodFrom(lower int64) Period {
	return Period{Lower: lower, Upper: OpenEnd}
}

func (p Period) IsOpenEnded() bool {
	return p.Upper == OpenEnd
}

func (p Period) IsEmpty() bool {
	return p.Lower >= p.Upper
}

func (p Period) Contains(ts int64) bool {
	return ts >= p.Lower && ts < p.Upper
}

func (p Period) Overlaps(other Period) bool {
	if p.IsEmpty() || other.IsEmpty() {
		return false
	}
	return p.Lower < other.Upper && other.Lower < p.Upper
}

func (p Period) String() string {
	if p.IsOpenEnded() {
		return fmt.Sprintf("[%d; +inf)", p.Lower)
	}
	return fmt.Sprintf("[%d; %d)", p.Lower, p.Upper)
}

// RangedGetResult is a value (or its absence) together with the exact
// period in which it is valid. Absence is a time-bounded fact as well.
type RangedGetResult struct {
	Key    QualifiedKey
	Value  []byte
	Exists bool
	Period Period
}

// Absent builds a result without a value.
func Absent(qk QualifiedKey, p Period) RangedGetResult {
	return RangedGetResult{Key: qk, Period: p}
}

// Present builds a result carrying an encoded value.
func Present(qk QualifiedKey, value []byte, p Period) RangedGetResult {
	return RangedGetResult{Key: qk, Value: value, Exists: true, Period: p}
}
