package bitcask

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeydirBasics(t *testing.T) {
	kd := newKeydir()

	_, ok := kd.lookup("a")
	assert.False(t, ok)

	e1 := entry{segmentID: 1, offset: 0, valueSize: 3}
	e2 := entry{segmentID: 2, offset: 10, valueSize: 4}
	kd.insert("a", e1)
	kd.insert("b", e2)

	got, ok := kd.lookup("a")
	require.True(t, ok)
	assert.Equal(t, e1, got)
	assert.Equal(t, 2, kd.len())

	keys := kd.keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	assert.False(t, kd.compareAndSwap("a", e2, e1))
	assert.True(t, kd.compareAndSwap("a", e1, e2))
	got, _ = kd.lookup("a")
	assert.Equal(t, e2, got)
	assert.False(t, kd.compareAndSwap("missing", e1, e2))

	kd.remove("a")
	_, ok = kd.lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, kd.len())
}

func TestKeydirKeysOfEveryLength(t *testing.T) {
	kd := newKeydir()

	// Slicing one backing string gives keys at every alignment.
	backing := strings.Repeat("abcdefghijklmnopqrstuvwxyz0123456789", 8)
	var keys []string
	for start := 0; start < 8; start++ {
		for n := 1; n <= 64; n++ {
			keys = append(keys, fmt.Sprintf("%d/%s", start, backing[start:start+n]))
		}
	}
	for i, key := range keys {
		kd.insert(key, entry{segmentID: 1, offset: int64(i)})
	}

	assert.Equal(t, len(keys), kd.len())
	used := map[*keydirShard]bool{}
	for i, key := range keys {
		e, ok := kd.lookup(key)
		require.True(t, ok, key)
		assert.Equal(t, int64(i), e.offset)
		assert.Same(t, kd.shard(key), kd.shard(key))
		used[kd.shard(key)] = true
	}
	assert.Greater(t, len(used), keydirShards/2)
}

func writeSegment(t *testing.T, dir string, id uint64, recs ...Record) *segment {
	t.Helper()
	seg, err := createSegment(dir, id, dataFileExt)
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := seg.append(rec.Encode())
		require.NoError(t, err)
	}
	t.Cleanup(func() { seg.close() })
	return seg
}

func TestKeydirRebuildLastWriterWins(t *testing.T) {
	dir := t.TempDir()

	put := func(k, v string) Record { return Record{Key: []byte(k), Value: []byte(v)} }
	del := func(k string) Record { return Record{Key: []byte(k), Deleted: true} }

	older := writeSegment(t, dir, 1, put("a", "1"), put("b", "2"), put("c", "3"))
	newer := writeSegment(t, dir, 2, del("a"), put("b", "22"), put("d", "4"), del("d"))
	require.NoError(t, older.seal())

	kd := newKeydir()
	require.NoError(t, kd.rebuildFrom([]*segment{older, newer}, nil))

	_, ok := kd.lookup("a")
	assert.False(t, ok)
	_, ok = kd.lookup("d")
	assert.False(t, ok)

	b, ok := kd.lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint64(2), b.segmentID)
	assert.Equal(t, uint32(2), b.valueSize)

	c, ok := kd.lookup("c")
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.segmentID)

	rec, err := newer.readRecord(b.offset, len("b")+int(b.valueSize))
	require.NoError(t, err)
	assert.Equal(t, []byte("22"), rec.Value)
}

func TestKeydirRebuildTornTail(t *testing.T) {
	dir := t.TempDir()

	good := Record{Key: []byte("a"), Value: []byte("1")}
	torn := Record{Key: []byte("b"), Value: []byte("2")}.Encode()

	seg := writeSegment(t, dir, 1, good)
	goodSize := seg.size
	_, err := seg.append(torn[:len(torn)-2])
	require.NoError(t, err)

	var tornAt int64 = -1
	var sidecar string
	kd := newKeydir()
	require.NoError(t, kd.rebuildFrom([]*segment{seg}, func(_ *segment, end int64, path string, _ error) {
		tornAt = end
		sidecar = path
	}))

	assert.Equal(t, goodSize, tornAt)
	saved, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, torn[:len(torn)-2], saved)
	assert.Equal(t, goodSize, seg.size)
	fi, err := os.Stat(seg.path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, fi.Size())

	_, ok := kd.lookup("a")
	assert.True(t, ok)
	_, ok = kd.lookup("b")
	assert.False(t, ok)
}

func TestKeydirRebuildCorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()

	torn := Record{Key: []byte("b"), Value: []byte("2")}.Encode()
	sealed := writeSegment(t, dir, 1, Record{Key: []byte("a"), Value: []byte("1")})
	_, err := sealed.append(torn[:len(torn)-2])
	require.NoError(t, err)
	active := writeSegment(t, dir, 2, Record{Key: []byte("c"), Value: []byte("3")})

	kd := newKeydir()
	err = kd.rebuildFrom([]*segment{sealed, active}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptSegment)
	assert.ErrorIs(t, err, ErrTruncatedRecord)

	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.SegmentID)
}

func TestKeydirRebuildMidFileChecksumFailure(t *testing.T) {
	dir := t.TempDir()

	bad := Record{Key: []byte("a"), Value: []byte("1")}.Encode()
	bad[len(bad)-1] ^= 0xff

	seg, err := createSegment(dir, 1, dataFileExt)
	require.NoError(t, err)
	defer seg.close()
	_, err = seg.append(bad)
	require.NoError(t, err)
	_, err = seg.append(Record{Key: []byte("b"), Value: []byte("2")}.Encode())
	require.NoError(t, err)

	kd := newKeydir()
	err = kd.rebuildFrom([]*segment{seg}, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
