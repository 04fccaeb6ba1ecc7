package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"chronodb/pkg/types"

	"github.com/google/uuid"
)

type recordKind uint8

const (
	kindVersion recordKind = iota + 1
	kindCommit
	kindIndex
)

const (
	flagTombstone uint8 = 1 << iota
)

var errShortRecord = errors.New("record payload too short")

// VersionRecord is one version as it is persisted in a chunk data file.
// Value is the encoded value before compression.
type VersionRecord struct {
	Key       types.QualifiedKey
	Timestamp int64
	Value     []byte
	Tombstone bool
}

// CommitRecord marks which transaction produced a timestamp and carries
// the caller's encoded commit metadata.
type CommitRecord struct {
	Timestamp int64
	TxID      uuid.UUID
	Metadata  []byte
}

type IndexOp uint8

const (
	IndexAdd IndexOp = iota + 1
	IndexRemove
)

// IndexRecord is one secondary index event stored in a chunk index file.
type IndexRecord struct {
	Timestamp int64
	Op        IndexOp
	Index     string
	Key       types.QualifiedKey
	Value     string
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = errShortRecord
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) i64() int64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.err = errShortRecord
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return int64(v)
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < 4 {
		d.err = errShortRecord
		return nil
	}
	n := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	if uint64(len(d.buf)) < uint64(n) {
		d.err = errShortRecord
		return nil
	}
	v := d.buf[:n:n]
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) string() string {
	return string(d.bytes())
}

func checkSizes(parts ...int) error {
	for _, n := range parts {
		if n > math.MaxUint32 {
			return fmt.Errorf("record field too large: %d bytes", n)
		}
	}
	return nil
}

// encodeVersion lays out: kind | ts | keyspace | key | flags | value.
// value is already compressed.
func encodeVersion(r VersionRecord, value []byte) ([]byte, error) {
	if err := checkSizes(len(r.Key.Keyspace), len(r.Key.Key), len(value)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+12+len(r.Key.Keyspace)+len(r.Key.Key)+1+len(value))
	buf = append(buf, byte(kindVersion))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = appendString(buf, r.Key.Keyspace)
	buf = appendString(buf, r.Key.Key)
	var flags uint8
	if r.Tombstone {
		flags |= flagTombstone
	}
	buf = append(buf, flags)
	buf = appendBytes(buf, value)
	return buf, nil
}

func encodeCommit(r CommitRecord) ([]byte, error) {
	if err := checkSizes(len(r.Metadata)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+16+4+len(r.Metadata))
	buf = append(buf, byte(kindCommit))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = append(buf, r.TxID[:]...)
	buf = appendBytes(buf, r.Metadata)
	return buf, nil
}

func encodeIndex(r IndexRecord) ([]byte, error) {
	if err := checkSizes(len(r.Index), len(r.Key.Keyspace), len(r.Key.Key), len(r.Value)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+1+16+len(r.Index)+len(r.Key.Keyspace)+len(r.Key.Key)+len(r.Value))
	buf = append(buf, byte(kindIndex))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = append(buf, byte(r.Op))
	buf = appendString(buf, r.Index)
	buf = appendString(buf, r.Key.Keyspace)
	buf = appendString(buf, r.Key.Key)
	buf = appendString(buf, r.Value)
	return buf, nil
}

// decoded is the union of the record kinds; exactly one pointer is set.
type decoded struct {
	version *VersionRecord
	commit  *CommitRecord
	index   *IndexRecord
}

func (d decoded) timestamp() int64 {
	switch {
	case d.version != nil:
		return d.version.Timestamp
	case d.commit != nil:
		return d.commit.Timestamp
	case d.index != nil:
		return d.index.Timestamp
	}
	return 0
}

// decodeRecord parses a payload. Version values are returned still compressed.
func decodeRecord(payload []byte) (decoded, error) {
	d := &decoder{buf: payload}
	kind := recordKind(d.u8())
	ts := d.i64()

	var out decoded
	switch kind {
	case kindVersion:
		r := &VersionRecord{Timestamp: ts}
		r.Key.Keyspace = d.string()
		r.Key.Key = d.string()
		r.Tombstone = d.u8()&flagTombstone != 0
		r.Value = d.bytes()
		out.version = r
	case kindCommit:
		r := &CommitRecord{Timestamp: ts}
		if d.err == nil {
			if len(d.buf) < 16 {
				d.err = errShortRecord
			} else {
				copy(r.TxID[:], d.buf[:16])
				d.buf = d.buf[16:]
			}
		}
		r.Metadata = d.bytes()
		out.commit = r
	case kindIndex:
		r := &IndexRecord{Timestamp: ts}
		r.Op = IndexOp(d.u8())
		r.Index = d.string()
		r.Key.Keyspace = d.string()
		r.Key.Key = d.string()
		r.Value = d.string()
		out.index = r
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unknown record kind %d", kind)
		}
	}
	if d.err != nil {
		return decoded{}, d.err
	}
	return out, nil
}
