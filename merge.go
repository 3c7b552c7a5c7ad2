package bitcask

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// periodicMerge periodically merges the sealed datafiles once there are
// at least MergeThreshold of them.
func (b *Bitcask) periodicMerge() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.MergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.RLock()
			sealed := len(b.segments) - 1
			b.mu.RUnlock()
			if sealed < b.config.MergeThreshold {
				continue
			}
			if err := b.Merge(); err != nil && !errors.Is(err, ErrClosed) {
				b.log.Warnw("periodic merge failed", "error", err)
			}
		}
	}
}

// Merge rewrites the live records of every sealed datafile into a single
// new datafile and removes the old ones. The active datafile is untouched
// and writers are only blocked while a live record is being copied.
//
// The merged file sorts before every file it replaces. Sealed files are
// visited oldest first; if one of them is corrupt, it and every newer
// sealed file are kept as they are, the older ones are still retired, and
// a *CorruptionError is returned.
func (b *Bitcask) Merge() error {
	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	sealed := b.sealedSegments()
	b.mu.RUnlock()

	if len(sealed) == 0 {
		return nil
	}

	mergedID := sealed[0].id - 1
	merged, err := createSegment(b.directory, mergedID, mergeFileExt)
	if err != nil {
		return err
	}
	if merged.size > 0 {
		// Left behind by a merge that failed before it could clean up.
		if err := merged.truncate(0); err != nil {
			merged.remove()
			return err
		}
	}

	b.mu.Lock()
	b.segments[mergedID] = merged
	b.mu.Unlock()

	b.log.Infow("merge started", "segments", len(sealed), "merged", mergedID)

	// moved remembers where each copied key lived, for rollback.
	moved := make(map[string]entry)
	var compacted []*segment
	var corruption error

	for _, seg := range sealed {
		_, err := seg.scan(func(rec Record, off int64) error {
			if rec.Deleted {
				return nil
			}
			return b.mergeRecord(merged, seg, rec, off, moved)
		})
		if err != nil {
			var ce *CorruptionError
			if !errors.As(err, &ce) {
				b.abortMerge(merged, moved)
				b.log.Warnw("merge aborted", "segment", seg.id, "error", err)
				return fmt.Errorf("failed to merge segment %d: %w", seg.id, err)
			}
			b.log.Warnw("merge stopped at corrupt segment", "segment", seg.id, "offset", ce.Offset, "error", ce.Err)
			corruption = err
			break
		}
		compacted = append(compacted, seg)
	}

	if len(compacted) == 0 {
		b.abortMerge(merged, moved)
		return corruption
	}

	if merged.size == 0 {
		// Nothing survived; the compacted files can go without a replacement.
		b.abortMerge(merged, moved)
		err = b.retireSegments(compacted)
	} else {
		err = b.finishMerge(merged, compacted, moved)
	}
	if err != nil {
		return err
	}

	b.log.Infow("merge finished", "merged", mergedID, "retired", len(compacted), "live_records", len(moved), "size", merged.size)
	return corruption
}

// mergeRecord copies rec into merged if the keydir still points at it.
// The check, the copy and the keydir update happen under mu so no writer
// can slip in between them.
func (b *Bitcask) mergeRecord(merged, seg *segment, rec Record, off int64, moved map[string]entry) error {
	key := string(rec.Key)

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.keydir.lookup(key)
	if !ok || e.segmentID != seg.id || e.offset != off {
		return nil
	}

	newOffset, err := merged.append(rec.Encode())
	if err != nil {
		return err
	}
	b.keydir.insert(key, entry{
		segmentID: merged.id,
		offset:    newOffset,
		valueSize: e.valueSize,
		timestamp: e.timestamp,
	})
	moved[key] = e
	return nil
}

// abortMerge points every copied key back at its original record, unless a
// writer has replaced it since, and discards the merge file.
func (b *Bitcask) abortMerge(merged *segment, moved map[string]entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, orig := range moved {
		cur, ok := b.keydir.lookup(key)
		if ok && cur.segmentID == merged.id {
			b.keydir.compareAndSwap(key, cur, orig)
		}
	}
	delete(b.segments, merged.id)
	if err := merged.remove(); err != nil {
		b.log.Warnw("failed to remove merge file", "merged", merged.id, "error", err)
	}
}

// finishMerge makes the merged file durable under its datafile name and
// then retires the compacted files.
func (b *Bitcask) finishMerge(merged *segment, compacted []*segment, moved map[string]entry) error {
	if err := merged.sync(); err != nil {
		b.abortMerge(merged, moved)
		return err
	}
	if err := merged.rename(filepath.Join(b.directory, segmentFileName(merged.id, dataFileExt))); err != nil {
		b.abortMerge(merged, moved)
		return err
	}

	b.mu.Lock()
	err := merged.seal()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	// Without a durable rename the old files are the only safe copy.
	if err := syncDir(b.directory); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return b.retireSegments(compacted)
}

// retireSegments forgets and deletes segs oldest first, so that a crash at
// any point leaves a directory that replays to the same state.
func (b *Bitcask) retireSegments(segs []*segment) error {
	b.mu.Lock()
	for _, seg := range segs {
		delete(b.segments, seg.id)
	}
	b.mu.Unlock()

	for _, seg := range segs {
		if err := seg.remove(); err != nil {
			return err
		}
	}
	return nil
}
