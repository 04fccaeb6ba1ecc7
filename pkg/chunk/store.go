package chunk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chronodb/pkg/compression"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"
)

var chunkFileRe = regexp.MustCompile(`^chunk_(\d+)\.(meta|data|index)$`)

type Options struct {
	// Lower is the first timestamp the store is responsible for. A root
	// branch starts at 0, a child branch right after its branching point.
	Lower int64
	// Now is the horizon a fresh store starts with.
	Now int64

	Codec  compression.Codec
	Sync   bool
	Logger *slog.Logger
}

// Store is the ordered list of chunks of one branch directory. The chunk
// periods are contiguous and the last chunk (the head) is open-ended.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	chunks atomic.Pointer[[]*Chunk]
	maxSeq uint64
	lost   []uint64
}

// Open loads every chunk under dir and repairs what a crash can leave
// behind. Chunks whose files are missing or unreadable are skipped and the
// decision is logged; see the per-case handling below.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Codec == nil {
		opts.Codec, _ = compression.ByName("none")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	s := &Store{dir: dir, opts: opts, logger: logger.With("dir", dir)}

	seqs, err := s.listSequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		head, err := s.create(0, opts.Lower, opts.Now, nil)
		if err != nil {
			return nil, err
		}
		s.install([]*Chunk{head})
		return s, nil
	}
	s.maxSeq = seqs[len(seqs)-1]

	var loaded []*Chunk
	for _, seq := range seqs {
		c, err := loadChunk(dir, seq, opts.Sync)
		if err != nil {
			s.logger.Warn("chunk unavailable, skipping", "seq", seq, "error", err)
			s.lost = append(s.lost, seq)
			continue
		}
		if c.indexDamaged {
			s.logger.Warn("chunk index unreadable, index needs rebuild", "seq", seq, "error", c.indexErr)
		}
		loaded = append(loaded, c)
	}

	if len(loaded) == 0 {
		s.logger.Warn("no readable chunk left, starting an empty head", "lost", s.lost)
		head, err := s.create(s.maxSeq+1, opts.Lower, opts.Now, nil)
		if err != nil {
			return nil, err
		}
		s.maxSeq++
		s.install([]*Chunk{head})
		return s, nil
	}

	if err := s.repair(loaded); err != nil {
		return nil, err
	}

	head := loaded[len(loaded)-1]
	truncated, err := head.openForWrite(opts.Codec)
	if err != nil {
		return nil, fmt.Errorf("open head chunk %d: %w", head.seq, err)
	}
	if truncated {
		s.logger.Warn("dropped incomplete records at head chunk tail", "seq", head.seq)
	}
	s.install(loaded)
	return s, nil
}

func (s *Store) listSequences() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list chunk dir: %w", err)
	}
	seen := make(map[uint64]struct{})
	for _, e := range entries {
		m := chunkFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		seen[seq] = struct{}{}
	}
	seqs := make([]uint64, 0, len(seen))
	for seq := range seen {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs, nil
}

// repair makes the periods of the readable chunks contiguous:
//   - history before the first readable chunk stays unavailable;
//   - a chunk followed by a gap absorbs it, so lookups there fall back to it;
//   - an open-ended chunk that is not last was left by an interrupted
//     rollover and is closed;
//   - a closed last chunk means the head was lost and it is promoted.
func (s *Store) repair(chunks []*Chunk) error {
	if first := chunks[0]; first.period.Lower > s.opts.Lower {
		s.logger.Warn("history before first readable chunk is unavailable",
			"seq", first.seq, "from", s.opts.Lower, "to", first.period.Lower)
	}

	for i, c := range chunks {
		if i == len(chunks)-1 {
			if !c.period.IsOpenEnded() {
				s.logger.Warn("head chunk lost, promoting previous chunk to head",
					"seq", c.seq, "upper", c.period.Upper)
				c.period.Upper = types.OpenEnd
				c.meta.Upper = types.OpenEnd
				if err := writeMeta(metaPath(s.dir, c.seq), c.meta, s.opts.Sync); err != nil {
					return fmt.Errorf("promote chunk %d: %w", c.seq, err)
				}
			}
			continue
		}

		next := chunks[i+1].period.Lower
		switch {
		case c.period.IsOpenEnded():
			s.logger.Info("closing chunk left open by interrupted rollover", "seq", c.seq, "upper", next)
			c.period.Upper = next
			c.meta.Upper = next
			if err := writeMeta(metaPath(s.dir, c.seq), c.meta, s.opts.Sync); err != nil {
				return fmt.Errorf("close chunk %d: %w", c.seq, err)
			}
		case c.period.Upper < next:
			s.logger.Warn("chunk missing, previous chunk serves its period",
				"seq", c.seq, "from", c.period.Upper, "to", next)
			c.period.Upper = next
		case c.period.Upper > next:
			return fmt.Errorf("chunk %d period %s overlaps chunk %d", c.seq, c.period, chunks[i+1].seq)
		}
	}
	return nil
}

// create writes a brand new head chunk. carried versions are written first
// with their original timestamps.
func (s *Store) create(seq uint64, lower, now int64, carried []VersionRecord) (*Chunk, error) {
	data, err := createLogFile(dataPath(s.dir, seq), dataMagic, s.opts.Codec.ID(), s.opts.Sync)
	if err != nil {
		return nil, err
	}
	m := Meta{
		Sequence:    seq,
		Lower:       lower,
		Upper:       types.OpenEnd,
		Now:         now,
		Compression: s.opts.Codec.Name(),
		CreatedAt:   time.Now().UTC(),
	}
	c := &Chunk{
		seq:        seq,
		dir:        s.dir,
		codec:      s.opts.Codec,
		sync:       s.opts.Sync,
		table:      memtable.New(),
		period:     m.Period(),
		meta:       m,
		data:       data,
		indexValid: -1,
	}
	fail := func(err error) (*Chunk, error) {
		_ = c.close()
		_ = os.Remove(dataPath(s.dir, seq))
		_ = os.Remove(metaPath(s.dir, seq))
		return nil, err
	}
	if len(carried) > 0 {
		if err := c.AppendVersions(carried); err != nil {
			return fail(err)
		}
		for _, r := range carried {
			c.table.Put(r.Key, memtable.Version{Timestamp: r.Timestamp, Value: r.Value, Tombstone: r.Tombstone})
		}
	}
	if err := writeMeta(metaPath(s.dir, seq), m, s.opts.Sync); err != nil {
		return fail(err)
	}
	return c, nil
}

func (s *Store) install(chunks []*Chunk) {
	s.chunks.Store(&chunks)
}

func (s *Store) Dir() string { return s.dir }

// Chunks returns a snapshot of the chunk list, oldest first.
func (s *Store) Chunks() []*Chunk {
	return *s.chunks.Load()
}

func (s *Store) Head() *Chunk {
	cs := s.Chunks()
	return cs[len(cs)-1]
}

// Lost lists the sequence numbers that could not be loaded at open.
func (s *Store) Lost() []uint64 {
	return slices.Clone(s.lost)
}

// ChunkFor returns the chunk whose period contains ts. It reports false
// when ts lies before the first readable chunk.
func (s *Store) ChunkFor(ts int64) (*Chunk, bool) {
	cs := s.Chunks()
	i := sort.Search(len(cs), func(i int) bool { return cs[i].Period().Lower > ts })
	if i == 0 {
		return nil, false
	}
	return cs[i-1], true
}

// ChunksInPeriod returns the chunks overlapping p, oldest first.
func (s *Store) ChunksInPeriod(p types.Period) []*Chunk {
	var out []*Chunk
	for _, c := range s.Chunks() {
		if c.Period().Overlaps(p) {
			out = append(out, c)
		}
	}
	return out
}

// Rollover closes the head at its current horizon T and starts a new head
// covering [T+1, open). The new head is seeded with the newest version of
// every key as of T so it can answer lookups without older chunks. It is a
// no-op on a head without any commit of its own.
// The caller must hold the branch commit lock.
func (s *Store) Rollover() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.Head()
	at := head.Now()
	if at < head.Period().Lower {
		return head, nil
	}

	var carried []VersionRecord
	head.table.Latest(at, func(qk types.QualifiedKey, v memtable.Version) bool {
		carried = append(carried, VersionRecord{Key: qk, Timestamp: v.Timestamp, Value: v.Value, Tombstone: v.Tombstone})
		return true
	})

	seq := s.maxSeq + 1
	next, err := s.create(seq, at+1, at, carried)
	if err != nil {
		return nil, fmt.Errorf("rollover: %w", err)
	}
	s.maxSeq = seq

	head.mu.Lock()
	m := head.meta
	m.Upper = at + 1
	if err := writeMeta(metaPath(s.dir, head.seq), m, s.opts.Sync); err != nil {
		// the next open closes it from the new head's lower bound
		s.logger.Warn("failed to close previous head meta", "seq", head.seq, "error", err)
	}
	head.meta = m
	head.period.Upper = at + 1
	head.mu.Unlock()

	if err := head.close(); err != nil {
		s.logger.Warn("failed to close previous head files", "seq", head.seq, "error", err)
	}

	cs := append(slices.Clone(s.Chunks()), next)
	s.install(cs)
	s.logger.Info("chunk rollover", "closed", head.seq, "head", seq, "at", at, "carried", len(carried))
	return next, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.Chunks() {
		if c.writable() {
			errs = append(errs, c.close())
		}
	}
	return errors.Join(errs...)
}

// RemoveAll deletes the directory of a closed store.
func (s *Store) RemoveAll() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}
