package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"chronodb/pkg/types"

	"github.com/google/uuid"
)

// FileName is the journal file inside a branch directory. Its presence
// means a commit started and did not reach its commit point.
const FileName = "commit.wal"

type recordType uint8

const (
	recordHeader recordType = iota + 1
	recordEntry
	recordMetadata
)

// Header is written first and describes how to undo the commit.
type Header struct {
	TxID      uuid.UUID
	Timestamp int64
	// PrevNow is the branch horizon before the commit.
	PrevNow int64
	// ChunkSeq is the head chunk the commit writes into.
	ChunkSeq uint64
	// DataOffset and IndexOffset are the head file sizes before the commit.
	// IndexOffset is -1 when the chunk had no index file.
	DataOffset  int64
	IndexOffset int64
}

// Entry is one primary write of the commit.
type Entry struct {
	Key       types.QualifiedKey
	Value     []byte
	Tombstone bool
}

// Record is what Read recovers from a journal file.
type Record struct {
	Header   Header
	Entries  []Entry
	Metadata []byte
}

// WAL is the write-ahead journal of one in-flight commit. Every append is
// flushed and, when sync is on, fsynced before it returns.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
}

// Create starts a journal for a commit. A leftover journal is replaced;
// callers recover before creating.
func Create(dir string, h Header, sync bool) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, FileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     sync,
	}
	if err := w.write(recordHeader, encodeHeader(h)); err != nil {
		_ = file.Close()
		_ = os.Remove(filePath)
		return nil, err
	}
	if sync {
		if err := syncDir(dir); err != nil {
			_ = file.Close()
			_ = os.Remove(filePath)
			return nil, err
		}
	}
	return w, nil
}

// Append journals primary writes.
func (w *WAL) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range entries {
		if err := writeEntry(&buf, e); err != nil {
			return fmt.Errorf("failed to encode WAL entry: %w", err)
		}
	}
	return w.write(recordEntry, buf.Bytes())
}

// AppendMetadata journals the encoded commit metadata.
func (w *WAL) AppendMetadata(meta []byte) error {
	return w.write(recordMetadata, meta)
}

func (w *WAL) write(kind recordType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}
	if len(payload) > math.MaxUint32 {
		return fmt.Errorf("WAL record too large: %d", len(payload))
	}
	if err := w.writer.WriteByte(byte(kind)); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}
	return nil
}

// Remove deletes the journal. Once it returns the commit is durable.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return Discard(filepath.Dir(w.filePath), w.sync)
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// Discard removes the journal of dir if there is one.
func Discard(dir string, sync bool) error {
	if err := os.Remove(filepath.Join(dir, FileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove WAL: %w", err)
	}
	if sync {
		return syncDir(dir)
	}
	return nil
}

// Read loads the journal of dir. found is false when there is none or when
// not even its header survived, in which case no chunk file was touched.
// A torn record at the end is ignored.
func Read(dir string) (rec Record, found bool, err error) {
	file, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to stat WAL: %w", err)
	}
	remaining := info.Size()

	reader := bufio.NewReader(file)
	for first := true; ; first = false {
		kind, payload, err := readRecord(reader, &remaining)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum) {
				break
			}
			return Record{}, false, fmt.Errorf("failed to read WAL record: %w", err)
		}
		if first {
			if kind != recordHeader {
				return Record{}, false, fmt.Errorf("WAL does not start with a header")
			}
			if rec.Header, err = decodeHeader(payload); err != nil {
				return Record{}, false, err
			}
			found = true
			continue
		}
		switch kind {
		case recordEntry:
			r := bytes.NewReader(payload)
			for r.Len() > 0 {
				e, err := readEntry(r)
				if err != nil {
					return Record{}, false, fmt.Errorf("failed to decode WAL entry: %w", err)
				}
				rec.Entries = append(rec.Entries, e)
			}
		case recordMetadata:
			rec.Metadata = payload
		default:
			return Record{}, false, fmt.Errorf("unknown WAL record type %d", kind)
		}
	}
	return rec, found, nil
}

var errChecksum = errors.New("WAL checksum mismatch")

// recordHeaderSize is the kind byte plus the size and checksum words.
const recordHeaderSize = 1 + 4 + 4

// readRecord reads one framed record. remaining is the number of unread
// bytes in the file; a size beyond it can only be a torn tail.
func readRecord(reader *bufio.Reader, remaining *int64) (recordType, []byte, error) {
	kind, err := reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var size, sum uint32
	if err := binary.Read(reader, binary.LittleEndian, &size); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &sum); err != nil {
		return 0, nil, err
	}
	*remaining -= recordHeaderSize
	if int64(size) > *remaining {
		return 0, nil, io.ErrUnexpectedEOF
	}
	*remaining -= int64(size)
	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return 0, nil, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, nil, errChecksum
	}
	return recordType(kind), payload, nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, 0, 16+8*5)
	buf = append(buf, h.TxID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.PrevNow))
	buf = binary.LittleEndian.AppendUint64(buf, h.ChunkSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.DataOffset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.IndexOffset))
	return buf
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) != 16+8*5 {
		return Header{}, fmt.Errorf("WAL header has %d bytes", len(b))
	}
	var h Header
	copy(h.TxID[:], b[:16])
	b = b[16:]
	h.Timestamp = int64(binary.LittleEndian.Uint64(b))
	h.PrevNow = int64(binary.LittleEndian.Uint64(b[8:]))
	h.ChunkSeq = binary.LittleEndian.Uint64(b[16:])
	h.DataOffset = int64(binary.LittleEndian.Uint64(b[24:]))
	h.IndexOffset = int64(binary.LittleEndian.Uint64(b[32:]))
	return h, nil
}

// writeEntry writes a single entry: keyspace, key, tombstone flag, value.
func writeEntry(w io.Writer, e Entry) error {
	for _, field := range [][]byte{[]byte(e.Key.Keyspace), []byte(e.Key.Key)} {
		if len(field) > math.MaxUint32 {
			return fmt.Errorf("key too large: %d", len(field))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(field))); err != nil {
			return err
		}
		if _, err := w.Write(field); err != nil {
			return err
		}
	}
	var tomb uint8
	if e.Tombstone {
		tomb = 1
	}
	if err := binary.Write(w, binary.LittleEndian, tomb); err != nil {
		return err
	}
	if len(e.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(e.Value))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return err
	}
	_, err := w.Write(e.Value)
	return err
}

// readEntry reads a single entry written by writeEntry.
func readEntry(r *bytes.Reader) (Entry, error) {
	var e Entry
	fields := make([][]byte, 2)
	for i := range fields {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return e, err
		}
		if int64(n) > int64(r.Len()) {
			return e, io.ErrUnexpectedEOF
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return e, err
		}
	}
	e.Key = types.QualifiedKey{Keyspace: string(fields[0]), Key: string(fields[1])}

	var tomb uint8
	if err := binary.Read(r, binary.LittleEndian, &tomb); err != nil {
		return e, err
	}
	e.Tombstone = tomb == 1

	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return e, err
	}
	if int64(n) > int64(r.Len()) {
		return e, io.ErrUnexpectedEOF
	}
	if n > 0 {
		e.Value = make([]byte, n)
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return e, err
		}
	}
	return e, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open WAL dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL dir: %w", err)
	}
	return nil
}
