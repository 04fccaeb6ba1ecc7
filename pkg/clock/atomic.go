package clock

import (
	"sync/atomic"
	"time"
)

// TimeProvider is the wall clock commit timestamps are derived from.
type TimeProvider interface {
	Now() time.Time
}

type SystemTime struct{}

func (SystemTime) Now() time.Time {
	return time.Now()
}

// AtomicClock holds a branch's published "now". It never moves backwards
// through Advance; Set is reserved for recovery and rollback.
type AtomicClock struct {
	atomic.Int64
}

func NewAtomic(init int64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() int64 {
	return ac.Load()
}

// Advance moves the clock to t if t is later than the current value.
func (ac *AtomicClock) Advance(t int64) bool {
	for {
		cur := ac.Load()
		if t <= cur {
			return false
		}
		if ac.CompareAndSwap(cur, t) {
			return true
		}
	}
}

func (ac *AtomicClock) Set(t int64) {
	ac.Store(t)
}

// NextCommitTimestamp returns a timestamp strictly greater than now, using
// wall-clock milliseconds when they are ahead.
func NextCommitTimestamp(now int64, tp TimeProvider) int64 {
	next := now + 1
	if tp == nil {
		return next
	}
	if wall := tp.Now().UnixMilli(); wall > next {
		return wall
	}
	return next
}
