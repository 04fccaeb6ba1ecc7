package chunk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"chronodb/pkg/compression"
	"chronodb/pkg/memtable"
	"chronodb/pkg/types"
)

// Chunk is one time slice of a branch. The versions it holds are kept in a
// memtable for lookups and in the data file for durability. Only the head
// chunk of a store has open file handles.
type Chunk struct {
	seq   uint64
	dir   string
	codec compression.Codec
	sync  bool
	table *memtable.Memtable

	mu      sync.RWMutex
	period  types.Period
	meta    Meta
	commits []CommitRecord
	data    *logFile
	index   *logFile

	// filled while loading, handed out once to the branch index
	indexRecords []IndexRecord
	indexDamaged bool
	indexErr     error

	dataValid, indexValid int64
}

func metaPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d.meta", seq))
}

func dataPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d.data", seq))
}

func indexPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d.index", seq))
}

func (c *Chunk) Seq() uint64 { return c.seq }

// Table is the in-memory image of the chunk. Callers insert and remove
// versions directly while they hold the branch commit lock.
func (c *Chunk) Table() *memtable.Memtable { return c.table }

func (c *Chunk) Period() types.Period {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.period
}

// Native reports whether ts belongs to this chunk's period, as opposed to a
// version carried over from an earlier chunk at rollover.
func (c *Chunk) Native(ts int64) bool {
	p := c.Period()
	return ts >= p.Lower && ts < p.Upper
}

// Now is the durable visibility horizon recorded in the chunk meta.
func (c *Chunk) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.Now
}

func (c *Chunk) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// PersistNow records a new horizon in the meta file.
func (c *Chunk) PersistNow(now int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta
	m.Now = now
	if err := writeMeta(metaPath(c.dir, c.seq), m, c.sync); err != nil {
		return err
	}
	c.meta = m
	return nil
}

// AppendVersions writes versions to the data file. The memtable is not touched.
func (c *Chunk) AppendVersions(recs []VersionRecord) error {
	payloads := make([][]byte, 0, len(recs))
	for _, r := range recs {
		var value []byte
		if !r.Tombstone {
			value = c.codec.Encode(r.Value)
		}
		p, err := encodeVersion(r, value)
		if err != nil {
			return err
		}
		payloads = append(payloads, p)
	}
	return c.appendData(payloads)
}

func (c *Chunk) AppendCommit(rec CommitRecord) error {
	p, err := encodeCommit(rec)
	if err != nil {
		return err
	}
	return c.appendData([][]byte{p})
}

func (c *Chunk) appendData(payloads [][]byte) error {
	c.mu.RLock()
	data := c.data
	c.mu.RUnlock()
	if data == nil {
		return fmt.Errorf("chunk %d is not writable", c.seq)
	}
	return data.append(payloads...)
}

// AppendIndex writes index events, creating the index file on first use.
func (c *Chunk) AppendIndex(recs []IndexRecord) error {
	if len(recs) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(recs))
	for _, r := range recs {
		p, err := encodeIndex(r)
		if err != nil {
			return err
		}
		payloads = append(payloads, p)
	}

	c.mu.Lock()
	if c.data == nil {
		c.mu.Unlock()
		return fmt.Errorf("chunk %d is not writable", c.seq)
	}
	if c.index == nil {
		idx, err := createLogFile(indexPath(c.dir, c.seq), indexMagic, compression.None, c.sync)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.index = idx
	}
	idx := c.index
	c.mu.Unlock()

	return idx.append(payloads...)
}

// Offsets returns the current data and index file sizes. The index offset
// is -1 while the chunk has no index file.
func (c *Chunk) Offsets() (data, index int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, index = -1, -1
	if c.data != nil {
		data = c.data.Size()
	}
	if c.index != nil {
		index = c.index.Size()
	}
	return data, index
}

// DataSize is the byte size of the data file of a writable chunk.
func (c *Chunk) DataSize() int64 {
	d, _ := c.Offsets()
	return d
}

// TruncateTo cuts the files back to earlier offsets. An index offset of -1
// removes the index file.
func (c *Chunk) TruncateTo(data, index int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return fmt.Errorf("chunk %d is not writable", c.seq)
	}
	if err := c.data.Truncate(data); err != nil {
		return err
	}
	return c.truncateIndexLocked(index)
}

func (c *Chunk) truncateIndexLocked(index int64) error {
	if index >= 0 {
		if c.index != nil {
			return c.index.Truncate(index)
		}
		return nil
	}
	if c.index != nil {
		if err := c.index.close(); err != nil {
			return err
		}
		c.index = nil
	}
	if err := os.Remove(indexPath(c.dir, c.seq)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove index file: %w", err)
	}
	return nil
}

// RewriteIndex replaces the whole index file of the chunk with recs.
func (c *Chunk) RewriteIndex(recs []IndexRecord) error {
	buf := header(indexMagic, compression.None)
	for _, r := range recs {
		p, err := encodeIndex(r)
		if err != nil {
			return err
		}
		var frame [frameSize]byte
		putFrame(frame[:], p)
		buf = append(buf, frame[:]...)
		buf = append(buf, p...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index != nil {
		if err := c.index.close(); err != nil {
			return err
		}
		c.index = nil
	}
	path := indexPath(c.dir, c.seq)
	if err := WriteFileAtomic(path, buf, c.sync); err != nil {
		return err
	}
	c.indexDamaged = false
	if c.data != nil {
		idx, err := openLogFile(path, int64(len(buf)), c.sync)
		if err != nil {
			return err
		}
		c.index = idx
	}
	return nil
}

// AddCommit registers a commit record in memory.
func (c *Chunk) AddCommit(rec CommitRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.commits), func(i int) bool { return c.commits[i].Timestamp >= rec.Timestamp })
	if i < len(c.commits) && c.commits[i].Timestamp == rec.Timestamp {
		c.commits[i] = rec
		return
	}
	c.commits = append(c.commits, CommitRecord{})
	copy(c.commits[i+1:], c.commits[i:])
	c.commits[i] = rec
}

func (c *Chunk) RemoveCommit(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.commits), func(i int) bool { return c.commits[i].Timestamp >= ts })
	if i < len(c.commits) && c.commits[i].Timestamp == ts {
		c.commits = append(c.commits[:i], c.commits[i+1:]...)
	}
}

// Commits returns commit records with from <= timestamp <= to, ascending.
func (c *Chunk) Commits(from, to int64) []CommitRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lo := sort.Search(len(c.commits), func(i int) bool { return c.commits[i].Timestamp >= from })
	hi := sort.Search(len(c.commits), func(i int) bool { return c.commits[i].Timestamp > to })
	if lo >= hi {
		return nil
	}
	return append([]CommitRecord(nil), c.commits[lo:hi]...)
}

func (c *Chunk) Commit(ts int64) (CommitRecord, bool) {
	cs := c.Commits(ts, ts)
	if len(cs) == 0 {
		return CommitRecord{}, false
	}
	return cs[0], true
}

// TakeIndexRecords returns the index events read at open and releases them.
// damaged is set when the index file could not be read completely.
func (c *Chunk) TakeIndexRecords() (recs []IndexRecord, damaged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs, c.indexRecords = c.indexRecords, nil
	return recs, c.indexDamaged
}

func (c *Chunk) writable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data != nil
}

func (c *Chunk) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.data != nil {
		errs = append(errs, c.data.close())
		c.data = nil
	}
	if c.index != nil {
		errs = append(errs, c.index.close())
		c.index = nil
	}
	return errors.Join(errs...)
}

// loadChunk reads meta, data and index of one chunk into memory. Files are
// not opened for writing; see openForWrite.
func loadChunk(dir string, seq uint64, syncWrites bool) (*Chunk, error) {
	m, err := readMeta(metaPath(dir, seq))
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	c := &Chunk{
		seq:    seq,
		dir:    dir,
		sync:   syncWrites,
		table:  memtable.New(),
		period: m.Period(),
		meta:   m,
	}

	var codec compression.Codec
	res, err := scanLogFile(dataPath(dir, seq), dataMagic, func(payload []byte) (bool, error) {
		if codec == nil {
			return false, errors.New("codec not resolved")
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return false, err
		}
		if rec.timestamp() > m.Now {
			return false, nil
		}
		switch {
		case rec.version != nil:
			v := memtable.Version{Timestamp: rec.version.Timestamp, Tombstone: rec.version.Tombstone}
			if !v.Tombstone {
				if v.Value, err = codec.Decode(rec.version.Value); err != nil {
					return false, err
				}
			}
			c.table.Put(rec.version.Key, v)
		case rec.commit != nil:
			c.commits = append(c.commits, *rec.commit)
		default:
			return false, errors.New("unexpected record in data file")
		}
		return true, nil
	}, func(id compression.ID) error {
		cc, err := compression.ByID(id)
		codec = cc
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	c.codec = codec
	c.dataValid = res.valid
	sort.Slice(c.commits, func(i, j int) bool { return c.commits[i].Timestamp < c.commits[j].Timestamp })

	c.indexValid = -1
	ires, err := scanLogFile(indexPath(dir, seq), indexMagic, func(payload []byte) (bool, error) {
		rec, err := decodeRecord(payload)
		if err != nil {
			return false, err
		}
		if rec.index == nil {
			return false, errors.New("unexpected record in index file")
		}
		if rec.index.Timestamp > m.Now {
			return false, nil
		}
		c.indexRecords = append(c.indexRecords, *rec.index)
		return true, nil
	}, nil)
	switch {
	case err == nil:
		c.indexValid = ires.valid
	case errors.Is(err, fs.ErrNotExist):
	default:
		c.indexDamaged = true
		c.indexRecords = nil
		c.indexErr = err
	}
	return c, nil
}

// openForWrite turns a loaded chunk into the writable head, dropping torn
// tails and records beyond the durable horizon.
func (c *Chunk) openForWrite(codec compression.Codec) (truncated bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := openLogFile(dataPath(c.dir, c.seq), c.dataValid, c.sync)
	if err != nil {
		return false, err
	}
	truncated = data.truncatedFrom > 0
	c.data = data
	if codec != nil && codec.ID() == c.codec.ID() {
		c.codec = codec
	}

	switch {
	case c.indexDamaged:
		// rebuilt by a reindex; start from an empty file so appends stay readable
		idx, err := createLogFile(indexPath(c.dir, c.seq), indexMagic, compression.None, c.sync)
		if err != nil {
			return truncated, err
		}
		c.index = idx
	case c.indexValid >= 0:
		idx, err := openLogFile(indexPath(c.dir, c.seq), c.indexValid, c.sync)
		if err != nil {
			return truncated, err
		}
		truncated = truncated || idx.truncatedFrom > 0
		c.index = idx
	}
	return truncated, nil
}
