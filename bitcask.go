package bitcask

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"go.uber.org/multierr"
)

// Open opens a Bitcask database instance.
func Open(dir string, opts ...ConfOption) (*Bitcask, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	b := &Bitcask{
		directory: dir,
		config:    config,
		log:       config.Logger.Sugar().With("dir", dir),
		segments:  make(map[uint64]*segment),
		keydir:    newKeydir(),
		stop:      make(chan struct{}),
	}

	if err := b.lockDirectory(); err != nil {
		return nil, err
	}

	// 加载现有的数据文件
	if err := b.loadExistingFiles(); err != nil {
		b.closeFiles()
		return nil, fmt.Errorf("failed to load existing files: %w", err)
	}

	b.log.Infow("opened bitcask",
		"segments", len(b.segments), "keys", b.keydir.len(), "active", b.active.id)

	if config.MergeInterval > 0 {
		b.wg.Add(1)
		go b.periodicMerge()
	}

	return b, nil
}

func checkKey(key string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if int64(len(key)) > math.MaxUint32 {
		return ErrKeyTooLarge
	}
	return nil
}

// Put inserts a key-value pair into the Bitcask database.
func (b *Bitcask) Put(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if int64(len(value))+int64(len(tombstone)) > math.MaxUint32 {
		return ErrValueTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	return b.put(newRecord(key, value))
}

// put appends rec to the active file and points the keydir at it.
// Callers hold mu.
func (b *Bitcask) put(rec Record) error {
	data := rec.Encode()

	// 检查是否需要创建新文件
	if b.active.size > 0 && b.active.size+int64(len(data)) > b.config.MaxFileSize {
		if err := b.openNewActiveFile(); err != nil {
			return fmt.Errorf("failed to open new active file: %w", err)
		}
	}

	offset, err := b.active.append(data)
	if err != nil {
		return err
	}

	if b.config.SyncWrites {
		if err := b.active.sync(); err != nil {
			return err
		}
	}

	key := string(rec.Key)
	if rec.Deleted {
		b.keydir.remove(key)
		return nil
	}
	b.keydir.insert(key, entry{
		segmentID: b.active.id,
		offset:    offset,
		valueSize: uint32(len(rec.storedValue())),
		timestamp: rec.Timestamp,
	})
	return nil
}

// Get retrieves the value stored under key. A missing key is reported with
// ok set to false and a nil error. A record that fails validation is
// returned as a *CorruptionError matching ErrDataCorruption.
func (b *Bitcask) Get(key string) (value []byte, ok bool, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}

	return b.get(key)
}

func (b *Bitcask) get(key string) ([]byte, bool, error) {
	e, ok := b.keydir.lookup(key)
	if !ok {
		return nil, false, nil
	}

	seg, ok := b.segments[e.segmentID]
	if !ok {
		return nil, false, fmt.Errorf("segment %d not found for key %q", e.segmentID, key)
	}

	rec, err := seg.readRecord(e.offset, len(key)+int(e.valueSize))
	if err == nil && (rec.Deleted || !bytes.Equal(rec.Key, []byte(key))) {
		err = &CorruptionError{Kind: ErrDataCorruption, SegmentID: seg.id, Offset: e.offset, Err: fmt.Errorf("record does not hold key %q", key)}
	}
	if err != nil {
		b.log.Errorw("failed to read record", "key", key, "segment", seg.id, "offset", e.offset, "error", err)
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Has reports whether key is present. A closed database has no keys.
func (b *Bitcask) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	_, ok := b.keydir.lookup(key)
	return ok
}

// Delete removes a key-value pair from the Bitcask database. Deleting a
// missing key is a no-op.
func (b *Bitcask) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if _, ok := b.keydir.lookup(key); !ok {
		return nil
	}

	// 写入一个特殊的墓碑值
	if err := b.put(newTombstone(key)); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	return nil
}

// BatchPut inserts multiple key-value pairs into the Bitcask database.
func (b *Bitcask) BatchPut(pairs map[string][]byte) error {
	for key := range pairs {
		if err := checkKey(key); err != nil {
			return fmt.Errorf("invalid key %q: %w", key, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for key, value := range pairs {
		if err := b.put(newRecord(key, value)); err != nil {
			return fmt.Errorf("failed to put key %s: %w", key, err)
		}
	}
	return nil
}

// BatchGet retrieves multiple keys. Missing keys are left out of the result.
func (b *Bitcask) BatchGet(keys []string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	result := make(map[string][]byte)
	for _, key := range keys {
		value, ok, err := b.get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to get key %s: %w", key, err)
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

// Len returns the number of live keys, or 0 once the database is closed.
func (b *Bitcask) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	return b.keydir.len()
}

// Keys returns the live keys in no particular order, or nil once the
// database is closed.
func (b *Bitcask) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	return b.keydir.keys()
}

// Iterator creates an iterator over the keys live at the time of the call.
// The iterator of a closed database is empty.
func (b *Bitcask) Iterator() *Iterator {
	return &Iterator{
		bitcask: b,
		keys:    b.Keys(),
		index:   -1,
	}
}

// Stats returns a summary of the store.
func (b *Bitcask) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Keys:     b.keydir.len(),
		Segments: len(b.segments),
	}
	if b.active != nil {
		s.ActiveSegment = b.active.id
		s.ActiveSize = b.active.size
	}
	return s
}

// Sync flushes the active datafile to stable storage.
func (b *Bitcask) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.active.sync()
}

// Snapshot copies the committed contents of every datafile into
// snapshotDir. The result can be opened as a database of its own.
func (b *Bitcask) Snapshot(snapshotDir string) error {
	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	for _, seg := range b.segments {
		if err := copySegment(seg, snapshotDir); err != nil {
			return fmt.Errorf("failed to copy segment %d: %w", seg.id, err)
		}
	}
	return syncDir(snapshotDir)
}

// Close stops the background merge and closes every datafile.
func (b *Bitcask) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()

	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.active.sync()
	return multierr.Append(err, b.closeFiles())
}

// closeFiles unmaps and closes every datafile and releases the directory lock.
func (b *Bitcask) closeFiles() error {
	var err error
	for id, seg := range b.segments {
		err = multierr.Append(err, seg.close())
		delete(b.segments, id)
	}
	return multierr.Append(err, b.unlockDirectory())
}
