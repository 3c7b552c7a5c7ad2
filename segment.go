package bitcask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	dataFileExt  = ".data"
	mergeFileExt = ".merge"

	// Appended to a datafile name for bytes cut off its tail at startup.
	corruptFileExt = ".corrupt"
)

// segment is one append-only datafile. The active segment is written
// through file; once sealed it is immutable and read through an mmap.
type segment struct {
	id     uint64
	path   string
	file   *os.File
	size   int64
	sealed bool
	data   []byte
}

func segmentFileName(id uint64, ext string) string {
	return fmt.Sprintf("%020d%s", id, ext)
}

func parseSegmentFileName(name, ext string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
}

// createSegment opens (creating if needed) a writable segment.
func createSegment(dir string, id uint64, ext string) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id, ext))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", id, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment %d: %w", id, err)
	}
	return &segment{id: id, path: path, file: file, size: fi.Size()}, nil
}

// openSealedSegment opens an existing segment read-only and maps it.
func openSealedSegment(dir string, id uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id, dataFileExt))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", id, err)
	}
	s := &segment{id: id, path: path, file: file}
	if err := s.mmap(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *segment) mmap() error {
	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment %d: %w", s.id, err)
	}
	s.size = fi.Size()
	s.sealed = true
	if s.size == 0 {
		s.data = []byte{}
		return nil
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, int(s.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to mmap segment %d: %w", s.id, err)
	}
	// Point reads dominate access to sealed segments.
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	s.data = data
	return nil
}

// append writes p at the end of the segment and returns the offset it
// starts at. A failed write is cut back off so the file keeps ending on a
// record boundary.
func (s *segment) append(p []byte) (int64, error) {
	if s.sealed {
		return 0, fmt.Errorf("segment %d is sealed", s.id)
	}
	offset := s.size
	n, err := s.file.Write(p)
	if err != nil {
		if n > 0 {
			_ = s.file.Truncate(offset)
		}
		return 0, fmt.Errorf("failed to append to segment %d: %w", s.id, err)
	}
	s.size += int64(n)
	return offset, nil
}

// ReadAt reads committed bytes without touching the file cursor.
func (s *segment) ReadAt(p []byte, off int64) (int, error) {
	if !s.sealed {
		return s.file.ReadAt(p, off)
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readRecord reads the record at off. sizeHint bounds the record length;
// the header is at most maxHeaderSize bytes.
func (s *segment) readRecord(off int64, sizeHint int) (Record, error) {
	buf := make([]byte, maxHeaderSize+sizeHint)
	n, err := s.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("failed to read segment %d: %w", s.id, err)
	}
	rec, size, err := DecodeRecord(buf[:n])
	if err != nil {
		return Record{}, &CorruptionError{Kind: ErrDataCorruption, SegmentID: s.id, Offset: off, Length: size, Err: err}
	}
	return rec, nil
}

// scan decodes records from the start of the segment, calling fn with each
// record and its offset. It returns the offset just past the last good
// record. A decode failure is returned as a *CorruptionError; errors from fn
// are returned as is.
func (s *segment) scan(fn func(rec Record, off int64) error) (int64, error) {
	r := bufio.NewReader(io.NewSectionReader(s, 0, s.size))
	var off int64
	for {
		rec, n, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return off, nil
		}
		if err != nil {
			if errors.Is(err, ErrTruncatedRecord) || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrEncoding) {
				return off, &CorruptionError{Kind: ErrCorruptSegment, SegmentID: s.id, Offset: off, Length: n, Err: err}
			}
			return off, fmt.Errorf("failed to scan segment %d: %w", s.id, err)
		}
		if err := fn(rec, off); err != nil {
			return off, err
		}
		off += int64(n)
	}
}

// quarantineTail appends the bytes from off to the end of the segment to a
// sidecar file next to it and returns the sidecar path.
func (s *segment) quarantineTail(off int64) (string, error) {
	path := s.path + corruptFileExt
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open sidecar for segment %d: %w", s.id, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.NewSectionReader(s, off, s.size-off)); err != nil {
		return "", fmt.Errorf("failed to save tail of segment %d: %w", s.id, err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync sidecar for segment %d: %w", s.id, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("failed to sync directory: %w", err)
	}
	return path, nil
}

func (s *segment) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate segment %d: %w", s.id, err)
	}
	s.size = size
	return nil
}

func (s *segment) sync() error {
	if s.sealed {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", s.id, err)
	}
	return nil
}

// seal flushes the segment and switches it to read-only mmap access.
func (s *segment) seal() error {
	if s.sealed {
		return nil
	}
	if err := s.sync(); err != nil {
		return err
	}
	return s.mmap()
}

// rename moves the segment file to its final name; the open descriptor and
// mapping stay valid.
func (s *segment) rename(path string) error {
	if err := os.Rename(s.path, path); err != nil {
		return fmt.Errorf("failed to rename segment %d: %w", s.id, err)
	}
	s.path = path
	return nil
}

func (s *segment) close() error {
	if len(s.data) > 0 {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("failed to unmap segment %d: %w", s.id, err)
		}
	}
	s.data = nil
	return s.file.Close()
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("failed to remove segment %d: %w", s.id, err)
	}
	return nil
}
