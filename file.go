package bitcask

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

const lockFileName = "bitcask.lock"

func (b *Bitcask) lockDirectory() error {
	file, err := os.OpenFile(filepath.Join(b.directory, lockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrDatabaseLocked
		}
		return fmt.Errorf("failed to lock directory: %w", err)
	}
	b.lockFile = file
	return nil
}

func (b *Bitcask) unlockDirectory() error {
	if b.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
	err := b.lockFile.Close()
	b.lockFile = nil
	return err
}

// listSegmentIDs returns the ids of all files in dir with the given
// extension, ascending.
func listSegmentIDs(dir, ext string) ([]uint64, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+ext))
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s files: %w", ext, err)
	}

	ids := make([]uint64, 0, len(files))
	for _, file := range files {
		id, err := parseSegmentFileName(filepath.Base(file), ext)
		if err != nil {
			return nil, fmt.Errorf("invalid file name: %s", file)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// removeUnfinishedMerges deletes merge output that never got renamed into
// place. The segments it was built from are still on disk.
func (b *Bitcask) removeUnfinishedMerges() error {
	ids, err := listSegmentIDs(b.directory, mergeFileExt)
	if err != nil {
		return err
	}
	for _, id := range ids {
		path := filepath.Join(b.directory, segmentFileName(id, mergeFileExt))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove unfinished merge %d: %w", id, err)
		}
		b.log.Warnw("removed unfinished merge file", "segment", id)
	}
	return nil
}

// loadExistingFiles opens every datafile, rebuilds the keydir from them and
// makes the newest one active. An empty directory gets a fresh active file.
func (b *Bitcask) loadExistingFiles() error {
	if err := b.removeUnfinishedMerges(); err != nil {
		return err
	}

	ids, err := listSegmentIDs(b.directory, dataFileExt)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return b.openNewActiveFile()
	}

	ordered := make([]*segment, 0, len(ids))
	for i, id := range ids {
		var seg *segment
		if i == len(ids)-1 {
			seg, err = createSegment(b.directory, id, dataFileExt)
		} else {
			seg, err = openSealedSegment(b.directory, id)
		}
		if err != nil {
			return err
		}
		b.segments[id] = seg
		ordered = append(ordered, seg)
	}
	b.active = ordered[len(ordered)-1]

	return b.keydir.rebuildFrom(ordered, func(seg *segment, end int64, sidecar string, cause error) {
		b.log.Errorw("cut undecodable tail off active segment",
			"segment", seg.id, "valid_bytes", end, "saved_to", sidecar, "cause", cause)
	})
}

// nextSegmentID returns an id greater than every segment currently known.
func (b *Bitcask) nextSegmentID() uint64 {
	id := uint64(time.Now().UnixNano())
	for existing := range b.segments {
		if existing >= id {
			id = existing + 1
		}
	}
	return id
}

// openNewActiveFile seals the current active file, if any, and starts a new one.
func (b *Bitcask) openNewActiveFile() error {
	seg, err := createSegment(b.directory, b.nextSegmentID(), dataFileExt)
	if err != nil {
		return err
	}

	if b.active != nil {
		if err := b.active.seal(); err != nil {
			seg.remove()
			return fmt.Errorf("failed to seal segment %d: %w", b.active.id, err)
		}
		b.log.Debugw("rotated active segment", "sealed", b.active.id, "active", seg.id, "sealed_size", b.active.size)
	}

	b.segments[seg.id] = seg
	b.active = seg
	return nil
}

// sealedSegments returns every segment except the active one, ascending.
func (b *Bitcask) sealedSegments() []*segment {
	sealed := make([]*segment, 0, len(b.segments))
	for id, seg := range b.segments {
		if id != b.active.id {
			sealed = append(sealed, seg)
		}
	}
	slices.SortFunc(sealed, func(x, y *segment) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})
	return sealed
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// copySegment copies the committed bytes of seg into dir under its datafile name.
func copySegment(seg *segment, dir string) error {
	dst, err := os.Create(filepath.Join(dir, segmentFileName(seg.id, dataFileExt)))
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.NewSectionReader(seg, 0, seg.size)); err != nil {
		return err
	}
	return dst.Sync()
}
