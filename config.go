package bitcask

import (
	"time"

	"go.uber.org/zap"
)

type ConfOption func(*Config)

// Config is the configuration for a Bitcask instance.
type Config struct {
	MaxFileSize    int64
	MergeThreshold int
	SyncWrites     bool
	MergeInterval  time.Duration
	Logger         *zap.Logger
}

// DefaultMaxDatafileSize is the default maximum size of a datafile.
const DefaultMaxDatafileSize = 1024 * 1024 * 10

// MaxDatafileSize sets the size threshold at which the active datafile is
// sealed and a new one is opened.
func MaxDatafileSize(size int64) ConfOption {
	return func(c *Config) {
		c.MaxFileSize = size
	}
}

// MergeThreshold sets the number of sealed datafiles needed before the
// periodic merge compacts them.
func MergeThreshold(threshold int) ConfOption {
	return func(c *Config) {
		c.MergeThreshold = threshold
	}
}

// SyncWrites sets whether to fsync the active datafile after every write.
func SyncWrites(sync bool) ConfOption {
	return func(c *Config) {
		c.SyncWrites = sync
	}
}

// MergeInterval sets the interval of the background merge. Zero disables it.
func MergeInterval(interval time.Duration) ConfOption {
	return func(c *Config) {
		c.MergeInterval = interval
	}
}

// WithLogger sets the logger. A nil logger keeps the default no-op one.
func WithLogger(logger *zap.Logger) ConfOption {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:    DefaultMaxDatafileSize,
		MergeThreshold: 10,
		SyncWrites:     false,
		MergeInterval:  time.Minute * 10,
		Logger:         zap.NewNop(),
	}
}
