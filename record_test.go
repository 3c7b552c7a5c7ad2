package bitcask

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
	}{
		{"plain", Record{Timestamp: 1700000000, Key: []byte("key"), Value: []byte("value")}},
		{"empty value", Record{Timestamp: 1, Key: []byte("key"), Value: []byte{}}},
		{"value equals tombstone", Record{Key: []byte("k"), Value: []byte("<=>")}},
		{"value starts with tombstone", Record{Key: []byte("k"), Value: []byte("<=>tail")}},
		{"value is two tombstones", Record{Key: []byte("k"), Value: []byte("<=><=>")}},
		{"tombstone inside value", Record{Key: []byte("k"), Value: []byte("a<=>b")}},
		{"binary", Record{Key: []byte{0, 1, 2}, Value: bytes.Repeat([]byte{0xff}, 300)}},
		{"max timestamp", Record{Timestamp: math.MaxUint32, Key: []byte("k"), Value: []byte("v")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.rec.Encode()

			got, n, err := DecodeRecord(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, tc.rec.Timestamp, got.Timestamp)
			assert.Equal(t, tc.rec.Key, got.Key)
			assert.Equal(t, tc.rec.Value, got.Value)
			assert.False(t, got.Deleted)

			got, n, err = ReadRecord(bufio.NewReader(bytes.NewReader(data)))
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, tc.rec.Key, got.Key)
			assert.Equal(t, tc.rec.Value, got.Value)
			assert.False(t, got.Deleted)
		})
	}
}

func TestRecordTombstone(t *testing.T) {
	rec := Record{Timestamp: 42, Key: []byte("gone"), Deleted: true}

	got, _, err := DecodeRecord(rec.Encode())
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Value)
	assert.Equal(t, []byte("gone"), got.Key)

	// A live value equal to the marker must never read back as a delete.
	live := Record{Key: []byte("gone"), Value: tombstone}
	got, _, err = DecodeRecord(live.Encode())
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Equal(t, tombstone, got.Value)
}

func TestRecordChecksumSensitivity(t *testing.T) {
	rec := Record{Timestamp: 1700000000, Key: []byte("some-key"), Value: []byte("some-value")}
	data := rec.Encode()
	bodyStart := len(data) - len(rec.Key) - len(rec.Value)

	for i := bodyStart; i < len(data); i++ {
		corrupt := bytes.Clone(data)
		corrupt[i] ^= 0x01

		_, _, err := DecodeRecord(corrupt)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte %d", i)

		_, n, err := ReadRecord(bufio.NewReader(bytes.NewReader(corrupt)))
		assert.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte %d", i)
		assert.Equal(t, len(data), n)
	}
}

func TestRecordTruncated(t *testing.T) {
	rec := Record{Timestamp: 1700000000, Key: []byte("key"), Value: []byte("value")}
	data := rec.Encode()

	for n := 0; n < len(data); n++ {
		_, _, err := DecodeRecord(data[:n])
		assert.ErrorIs(t, err, ErrTruncatedRecord, "prefix of %d bytes", n)
	}

	_, _, err := ReadRecord(bufio.NewReader(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, io.EOF)
	for n := 1; n < len(data); n++ {
		_, _, err := ReadRecord(bufio.NewReader(bytes.NewReader(data[:n])))
		assert.ErrorIs(t, err, ErrTruncatedRecord, "prefix of %d bytes", n)
	}
}

func TestRecordMalformedVarint(t *testing.T) {
	overflow := bytes.Repeat([]byte{0xff}, 11)
	_, _, err := DecodeRecord(overflow)
	assert.ErrorIs(t, err, ErrEncoding)
	_, _, err = ReadRecord(bufio.NewReader(bytes.NewReader(overflow)))
	assert.ErrorIs(t, err, ErrEncoding)

	tooWide := binary.AppendUvarint(nil, 1<<40)
	_, _, err = DecodeRecord(tooWide)
	assert.ErrorIs(t, err, ErrEncoding)
	_, _, err = ReadRecord(bufio.NewReader(bytes.NewReader(tooWide)))
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestReadRecordSequential(t *testing.T) {
	recs := []Record{
		{Timestamp: 1, Key: []byte("a"), Value: []byte("1")},
		{Timestamp: 2, Key: []byte("b"), Deleted: true},
		{Timestamp: 3, Key: []byte("c"), Value: bytes.Repeat([]byte("x"), 1000)},
	}

	var buf bytes.Buffer
	var offsets []int
	for _, rec := range recs {
		offsets = append(offsets, buf.Len())
		buf.Write(rec.Encode())
	}
	partial := recs[0].Encode()
	buf.Write(partial[:len(partial)-1])

	r := bufio.NewReader(&buf)
	off := 0
	for i, want := range recs {
		got, n, err := ReadRecord(r)
		require.NoError(t, err)
		assert.Equal(t, offsets[i], off)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Deleted, got.Deleted)
		assert.Equal(t, want.Value, got.Value)
		off += n
	}

	_, _, err := ReadRecord(r)
	assert.ErrorIs(t, err, ErrTruncatedRecord)
}

func TestDecodeRecordIgnoresTrailingBytes(t *testing.T) {
	rec := Record{Key: []byte("k"), Value: []byte("v")}
	data := rec.Encode()

	got, n, err := DecodeRecord(append(bytes.Clone(data), 0xde, 0xad))
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, []byte("v"), got.Value)
}
