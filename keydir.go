package bitcask

import (
	"errors"
	"sync"

	"github.com/spaolacci/murmur3"
)

const keydirShards = 32

// keydir maps every live key to the location of its latest record.
// Tombstones are never stored: a deleted key has no entry.
type keydir struct {
	shards [keydirShards]*keydirShard
}

type keydirShard struct {
	mu sync.RWMutex
	m  map[string]entry
}

func newKeydir() *keydir {
	kd := &keydir{}
	for i := range kd.shards {
		kd.shards[i] = &keydirShard{m: make(map[string]entry)}
	}
	return kd
}

// shard hashes through the streaming digest: murmur3.Sum32 walks the input
// with raw pointer arithmetic that checkptr rejects under -race.
func (kd *keydir) shard(key string) *keydirShard {
	h := murmur3.New32()
	h.Write([]byte(key))
	return kd.shards[h.Sum32()%keydirShards]
}

func (kd *keydir) lookup(key string) (entry, bool) {
	s := kd.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	return e, ok
}

func (kd *keydir) insert(key string, e entry) {
	s := kd.shard(key)
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
}

func (kd *keydir) remove(key string) {
	s := kd.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// compareAndSwap replaces the entry for key with next only if it still equals old.
func (kd *keydir) compareAndSwap(key string, old, next entry) bool {
	s := kd.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[key]; !ok || cur != old {
		return false
	}
	s.m[key] = next
	return true
}

func (kd *keydir) len() int {
	n := 0
	for _, s := range kd.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func (kd *keydir) keys() []string {
	keys := make([]string, 0, kd.len())
	for _, s := range kd.shards {
		s.mu.RLock()
		for k := range s.m {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// replay applies the records of one segment: tombstones remove, everything
// else points the key at the record.
func (kd *keydir) replay(seg *segment) (int64, error) {
	return seg.scan(func(rec Record, off int64) error {
		key := string(rec.Key)
		if rec.Deleted {
			kd.remove(key)
			return nil
		}
		kd.insert(key, entry{
			segmentID: seg.id,
			offset:    off,
			valueSize: uint32(len(rec.storedValue())),
			timestamp: rec.Timestamp,
		})
		return nil
	})
}

// rebuildFrom replays segments in the given order, which must be ascending
// id order. Only the last segment, the active one, may end in a torn
// record. The bytes past the last good record are saved to a sidecar file
// before the segment is cut back, and reported through onTornTail.
func (kd *keydir) rebuildFrom(segments []*segment, onTornTail func(seg *segment, end int64, sidecar string, cause error)) error {
	for i, seg := range segments {
		end, err := kd.replay(seg)
		if err == nil {
			continue
		}
		var ce *CorruptionError
		if i != len(segments)-1 || !errors.As(err, &ce) || !isTornTail(ce, seg.size) {
			return err
		}
		sidecar, err := seg.quarantineTail(end)
		if err != nil {
			return err
		}
		if err := seg.truncate(end); err != nil {
			return err
		}
		if onTornTail != nil {
			onTornTail(seg, end, sidecar, ce.Err)
		}
	}
	return nil
}

// isTornTail reports whether a decode failure can only be the result of an
// interrupted final write: either the bytes ran out, or the bad record ends
// exactly at the end of the file.
func isTornTail(ce *CorruptionError, size int64) bool {
	if errors.Is(ce.Err, ErrTruncatedRecord) {
		return true
	}
	return errors.Is(ce.Err, ErrChecksumMismatch) && ce.Offset+int64(ce.Length) == size
}
