package memtable

import (
	"sort"
	"sync"
)

// Version is one stored state of a key. Value holds the encoded payload and
// is nil for tombstones.
type Version struct {
	Timestamp int64
	Value     []byte
	Tombstone bool
}

// versionList keeps the versions of one key in ascending timestamp order.
type versionList struct {
	mu       sync.RWMutex
	versions []Version
}

// put inserts v keeping the order; a version with the same timestamp is
// replaced and put reports false.
func (l *versionList) put(v Version) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.versions)
	// commits append in timestamp order, so this is the common path
	if n == 0 || l.versions[n-1].Timestamp < v.Timestamp {
		l.versions = append(l.versions, v)
		return true
	}

	i := sort.Search(n, func(i int) bool { return l.versions[i].Timestamp >= v.Timestamp })
	if i < n && l.versions[i].Timestamp == v.Timestamp {
		l.versions[i] = v
		return false
	}
	l.versions = append(l.versions, Version{})
	copy(l.versions[i+1:], l.versions[i:])
	l.versions[i] = v
	return true
}

func (l *versionList) remove(ts int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.versions)
	i := sort.Search(n, func(i int) bool { return l.versions[i].Timestamp >= ts })
	if i == n || l.versions[i].Timestamp != ts {
		return false
	}
	l.versions = append(l.versions[:i], l.versions[i+1:]...)
	return true
}

// floor returns the greatest version with timestamp <= ts.
func (l *versionList) floor(ts int64) (Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.versions), func(i int) bool { return l.versions[i].Timestamp > ts })
	if i == 0 {
		return Version{}, false
	}
	return l.versions[i-1], true
}

// ceiling returns the smallest version with timestamp >= ts.
func (l *versionList) ceiling(ts int64) (Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.versions), func(i int) bool { return l.versions[i].Timestamp >= ts })
	if i == len(l.versions) {
		return Version{}, false
	}
	return l.versions[i], true
}

// between returns a copy of the versions with from <= timestamp <= to.
func (l *versionList) between(from, to int64) []Version {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lo := sort.Search(len(l.versions), func(i int) bool { return l.versions[i].Timestamp >= from })
	hi := sort.Search(len(l.versions), func(i int) bool { return l.versions[i].Timestamp > to })
	if lo >= hi {
		return nil
	}
	out := make([]Version, hi-lo)
	copy(out, l.versions[lo:hi])
	return out
}

func (l *versionList) empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.versions) == 0
}
