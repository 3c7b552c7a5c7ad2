package bitcask

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"
	"time"
)

// Record layout, every integer a little-endian base-128 varint:
//
//	crc | timestamp | key size | value size | key | value
//
// The crc covers everything after itself.
const maxHeaderSize = 4 * binary.MaxVarintLen32

// tombstone is the stored value of a deleted key. Live values starting with
// it are stored with one extra copy in front.
var tombstone = []byte("<=>")

// Record is a single key-value entry as it appears in a datafile.
type Record struct {
	Timestamp uint32
	Key       []byte
	Value     []byte
	Deleted   bool
}

func newRecord(key string, value []byte) Record {
	return Record{
		Timestamp: uint32(time.Now().Unix()),
		Key:       []byte(key),
		Value:     value,
	}
}

func newTombstone(key string) Record {
	return Record{
		Timestamp: uint32(time.Now().Unix()),
		Key:       []byte(key),
		Deleted:   true,
	}
}

// storedValue returns the value bytes as written to disk.
func (r Record) storedValue() []byte {
	if r.Deleted {
		return tombstone
	}
	if bytes.HasPrefix(r.Value, tombstone) {
		escaped := make([]byte, 0, len(tombstone)+len(r.Value))
		escaped = append(escaped, tombstone...)
		return append(escaped, r.Value...)
	}
	return r.Value
}

func loadValue(stored []byte) (value []byte, deleted bool) {
	if bytes.Equal(stored, tombstone) {
		return nil, true
	}
	if len(stored) > len(tombstone) && bytes.HasPrefix(stored, tombstone) {
		return stored[len(tombstone):], false
	}
	return stored, false
}

// Encode serializes the record.
func (r Record) Encode() []byte {
	value := r.storedValue()
	body := make([]byte, 0, 3*binary.MaxVarintLen32+len(r.Key)+len(value))
	body = binary.AppendUvarint(body, uint64(r.Timestamp))
	body = binary.AppendUvarint(body, uint64(len(r.Key)))
	body = binary.AppendUvarint(body, uint64(len(value)))
	headerLen := len(body)
	body = append(body, r.Key...)
	body = append(body, value...)

	crc := crc32.ChecksumIEEE(body[:headerLen])
	crc = crc32.Update(crc, crc32.IEEETable, r.Key)
	crc = crc32.Update(crc, crc32.IEEETable, value)

	buf := make([]byte, 0, binary.MaxVarintLen32+len(body))
	buf = binary.AppendUvarint(buf, uint64(crc))
	return append(buf, body...)
}

// checksum recomputes the crc from decoded fields.
func checksum(ts, keySize, valueSize uint32, key, value []byte) uint32 {
	var hdr [3 * binary.MaxVarintLen32]byte
	h := binary.AppendUvarint(hdr[:0], uint64(ts))
	h = binary.AppendUvarint(h, uint64(keySize))
	h = binary.AppendUvarint(h, uint64(valueSize))
	crc := crc32.ChecksumIEEE(h)
	crc = crc32.Update(crc, crc32.IEEETable, key)
	return crc32.Update(crc, crc32.IEEETable, value)
}

// DecodeRecord decodes the record at the start of buf and returns it with
// the number of bytes it spans. Trailing bytes are ignored. The returned
// slices do not alias buf.
func DecodeRecord(buf []byte) (Record, int, error) {
	var fields [4]uint32
	n := 0
	for i := range fields {
		v, m := binary.Uvarint(buf[n:])
		switch {
		case m == 0:
			return Record{}, 0, ErrTruncatedRecord
		case m < 0 || v > math.MaxUint32:
			return Record{}, 0, ErrEncoding
		}
		fields[i] = uint32(v)
		n += m
	}
	crc, ts, keySize, valueSize := fields[0], fields[1], fields[2], fields[3]

	if int64(len(buf)-n) < int64(keySize)+int64(valueSize) {
		return Record{}, 0, ErrTruncatedRecord
	}
	key := buf[n : n+int(keySize)]
	stored := buf[n+int(keySize) : n+int(keySize)+int(valueSize)]
	n += int(keySize) + int(valueSize)

	if checksum(ts, keySize, valueSize, key, stored) != crc {
		return Record{}, n, ErrChecksumMismatch
	}

	value, deleted := loadValue(stored)
	return Record{
		Timestamp: ts,
		Key:       bytes.Clone(key),
		Value:     bytes.Clone(value),
		Deleted:   deleted,
	}, n, nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

type countingReader struct {
	r byteReader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// ReadRecord decodes the next record from r and reports the bytes consumed,
// which is also set when the record fails its checksum. A clean end of
// stream before the first byte returns io.EOF; running out of bytes after
// that returns ErrTruncatedRecord.
func ReadRecord(r byteReader) (Record, int, error) {
	cr := &countingReader{r: r}

	var fields [4]uint32
	for i := range fields {
		start := cr.n
		v, err := binary.ReadUvarint(cr)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) && cr.n == 0:
				return Record{}, 0, io.EOF
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return Record{}, cr.n, ErrTruncatedRecord
			case cr.n-start >= binary.MaxVarintLen64:
				return Record{}, cr.n, ErrEncoding
			default:
				return Record{}, cr.n, err
			}
		}
		if v > math.MaxUint32 {
			return Record{}, cr.n, ErrEncoding
		}
		fields[i] = uint32(v)
	}
	crc, ts, keySize, valueSize := fields[0], fields[1], fields[2], fields[3]

	key, err := readN(cr, keySize)
	if err != nil {
		return Record{}, cr.n, err
	}
	stored, err := readN(cr, valueSize)
	if err != nil {
		return Record{}, cr.n, err
	}

	if checksum(ts, keySize, valueSize, key, stored) != crc {
		return Record{}, cr.n, ErrChecksumMismatch
	}

	value, deleted := loadValue(stored)
	return Record{
		Timestamp: ts,
		Key:       key,
		Value:     value,
		Deleted:   deleted,
	}, cr.n, nil
}

// readN grows its buffer as bytes arrive so a corrupt length cannot force a
// huge allocation up front.
func readN(r io.Reader, size uint32) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(size)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
