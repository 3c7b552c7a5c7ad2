package bitcask

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

type Bitcask struct {
	directory string
	config    *Config
	log       *zap.SugaredLogger
	lockFile  *os.File

	// mu covers the active segment, the segment set and every keydir
	// mutation that must stay consistent with an append.
	mu       sync.RWMutex
	active   *segment
	segments map[uint64]*segment
	keydir   *keydir
	closed   bool

	// mergeMu serializes merges, snapshots and Close.
	mergeMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	segmentID uint64
	offset    int64
	valueSize uint32
	timestamp uint32
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Keys          int
	Segments      int
	ActiveSegment uint64
	ActiveSize    int64
}

var (
	ErrEmptyKey         = errors.New("key must not be empty")
	ErrKeyTooLarge      = errors.New("key exceeds maximum size")
	ErrValueTooLarge    = errors.New("value exceeds maximum size")
	ErrEncoding         = errors.New("malformed record encoding")
	ErrChecksumMismatch = errors.New("record checksum mismatch")
	ErrTruncatedRecord  = errors.New("truncated record")
	ErrDataCorruption   = errors.New("data corruption")
	ErrCorruptSegment   = errors.New("corrupt segment")
	ErrClosed           = errors.New("bitcask is closed")
	ErrDatabaseLocked   = errors.New("database directory is locked by another process")
)

// CorruptionError locates a record that could not be decoded. Kind is
// ErrDataCorruption for reads and ErrCorruptSegment for segment scans; Err
// is the codec cause. Length is the number of bytes the bad record spans,
// or 0 when unknown.
type CorruptionError struct {
	Kind      error
	SegmentID uint64
	Offset    int64
	Length    int
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%v: segment %d offset %d: %v", e.Kind, e.SegmentID, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
