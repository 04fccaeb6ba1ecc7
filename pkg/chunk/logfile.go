package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"chronodb/pkg/compression"
)

const (
	headerSize = 8
	frameSize  = 8
	fileFormat = 1
)

var (
	dataMagic  = [4]byte{'C', 'H', 'N', 'K'}
	indexMagic = [4]byte{'C', 'I', 'D', 'X'}

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// ErrCorrupt reports a damaged file: bad header or a checksum failure that
// is not confined to the final record.
var ErrCorrupt = errors.New("chunk file corrupt")

// logFile is an append-only sequence of checksummed frames behind a fixed
// header: magic | format | codec id | reserved.
// Each frame is [len uint32][crc32c uint32][payload].
type logFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
	sync bool

	// truncatedFrom is the size found on disk when openLogFile had to cut a tail.
	truncatedFrom int64
}

func putFrame(dst []byte, payload []byte) {
	binary.LittleEndian.PutUint32(dst, uint32(len(payload)))
	binary.LittleEndian.PutUint32(dst[4:], crc32.Checksum(payload, crcTable))
}

func header(magic [4]byte, codec compression.ID) []byte {
	h := make([]byte, headerSize)
	copy(h, magic[:])
	h[4] = fileFormat
	h[5] = byte(codec)
	return h
}

// createLogFile writes a fresh file with only a header, replacing any
// leftover file at path.
func createLogFile(path string, magic [4]byte, codec compression.ID, sync bool) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(header(magic, codec)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sync %s: %w", path, err)
		}
	}
	return &logFile{path: path, f: f, size: headerSize, sync: sync}, nil
}

// openLogFile opens an existing file for appending after truncating it to
// valid bytes.
func openLogFile(path string, valid int64, sync bool) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	lf := &logFile{path: path, f: f, size: st.Size(), sync: sync}
	if st.Size() != valid {
		lf.truncatedFrom = st.Size()
		if err := lf.truncate(valid); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return lf, nil
}

func (l *logFile) append(payloads ...[]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("append %s: file is closed", l.path)
	}
	n := 0
	for _, p := range payloads {
		n += frameSize + len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range payloads {
		var frame [frameSize]byte
		putFrame(frame[:], p)
		buf = append(buf, frame[:]...)
		buf = append(buf, p...)
	}
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	l.size += int64(len(buf))
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", l.path, err)
		}
	}
	return nil
}

func (l *logFile) truncate(size int64) error {
	if err := l.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", l.path, size, err)
	}
	l.size = size
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", l.path, err)
		}
	}
	return nil
}

func (l *logFile) Truncate(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("truncate %s: file is closed", l.path)
	}
	return l.truncate(size)
}

func (l *logFile) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *logFile) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// scanResult describes what a scan found on disk.
type scanResult struct {
	codec compression.ID
	// valid is the byte length of the accepted prefix; bytes past it are a
	// torn tail or records rejected by the visitor.
	valid int64
	size  int64
}

// scanLogFile reads every frame of path and hands its payload to visit.
// onHeader, when set, sees the codec id before the first frame.
// visit returns false to stop; the stopping frame is excluded from valid.
// A short or mismatching final frame is treated as a torn write; damage
// before the final frame returns ErrCorrupt.
func scanLogFile(path string, magic [4]byte, visit func(payload []byte) (bool, error), onHeader func(compression.ID) error) (scanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scanResult{}, err
	}
	res := scanResult{size: int64(len(data))}
	if len(data) < headerSize || [4]byte(data[:4]) != magic {
		return res, fmt.Errorf("%s: bad header: %w", path, ErrCorrupt)
	}
	if data[4] != fileFormat {
		return res, fmt.Errorf("%s: unsupported format %d: %w", path, data[4], ErrCorrupt)
	}
	res.codec = compression.ID(data[5])
	if onHeader != nil {
		if err := onHeader(res.codec); err != nil {
			return res, fmt.Errorf("%s: %w: %w", path, err, ErrCorrupt)
		}
	}

	off := int64(headerSize)
	res.valid = off
	for off < res.size {
		if res.size-off < frameSize {
			break
		}
		n := int64(binary.LittleEndian.Uint32(data[off:]))
		sum := binary.LittleEndian.Uint32(data[off+4:])
		end := off + frameSize + n
		if end > res.size {
			break
		}
		payload := data[off+frameSize : end]
		if crc32.Checksum(payload, crcTable) != sum {
			if end == res.size {
				break
			}
			return res, fmt.Errorf("%s: checksum mismatch at offset %d: %w", path, off, ErrCorrupt)
		}
		cont, err := visit(payload)
		if err != nil {
			return res, fmt.Errorf("%s: record at offset %d: %w: %w", path, off, err, ErrCorrupt)
		}
		if !cont {
			break
		}
		off = end
		res.valid = off
	}
	return res, nil
}
