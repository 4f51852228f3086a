package pagecache

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojopage/core/pagecache/latch"
)

// Config holds the page cache settings.
type Config struct {
	// PageSize is the size in bytes of every page and of every file page.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`
	// PageCount is the number of cache slots. Memory use is PageSize*PageCount.
	PageCount int `yaml:"page_count" mapstructure:"page_count"`
	// LatchMapSize is the number of fault latch slots, rounded up to a power of two.
	LatchMapSize int `yaml:"latch_map_size" mapstructure:"latch_map_size"`
	// KeepFree is the number of free pages the background evictor tries to maintain.
	// Zero disables the background evictor; faults then evict cooperatively.
	KeepFree int `yaml:"keep_free" mapstructure:"keep_free"`
	// EvictorInterval is how often the background evictor tops up the free list.
	EvictorInterval time.Duration `yaml:"evictor_interval" mapstructure:"evictor_interval"`
	// EvictionPasses bounds how many full clock revolutions a single sweep may make.
	EvictionPasses int `yaml:"eviction_passes" mapstructure:"eviction_passes"`
	// FlushBytesPerSecond throttles flushes. Zero means unthrottled.
	FlushBytesPerSecond int64 `yaml:"flush_bytes_per_second" mapstructure:"flush_bytes_per_second"`
	// TranslationChunkSize is the number of file pages per translation table chunk. Must be
	// a power of two.
	TranslationChunkSize int `yaml:"translation_chunk_size" mapstructure:"translation_chunk_size"`
	// UnpinTimeout bounds how long closing a file or vacuuming waits for pinned pages of
	// the retiring file to be released.
	UnpinTimeout time.Duration `yaml:"unpin_timeout" mapstructure:"unpin_timeout"`
	// InstanceID names the cache in logs and metrics. A random id is used when empty.
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`
}

// DefaultConfig returns a configuration suitable for tests and small workloads: 1024 pages
// of 8 KiB.
func DefaultConfig() Config {
	return Config{
		PageSize:             8192,
		PageCount:            1024,
		LatchMapSize:         latch.DefaultSize,
		KeepFree:             32,
		EvictorInterval:      50 * time.Millisecond,
		EvictionPasses:       4,
		FlushBytesPerSecond:  0,
		TranslationChunkSize: 4096,
		UnpinTimeout:         10 * time.Second,
	}
}

// Validate checks the configuration for values the cache cannot run with.
func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0:
		return fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidConfig, c.PageSize)
	case c.PageCount <= 0:
		return fmt.Errorf("%w: page count must be positive, got %d", ErrInvalidConfig, c.PageCount)
	case c.KeepFree < 0 || c.KeepFree >= c.PageCount:
		return fmt.Errorf("%w: keep free (%d) must be in [0,%d)", ErrInvalidConfig, c.KeepFree, c.PageCount)
	case c.KeepFree > 0 && c.EvictorInterval <= 0:
		return fmt.Errorf("%w: evictor interval must be positive when keep free is set", ErrInvalidConfig)
	case c.EvictionPasses < 1:
		return fmt.Errorf("%w: eviction passes must be at least 1, got %d", ErrInvalidConfig, c.EvictionPasses)
	case c.FlushBytesPerSecond < 0:
		return fmt.Errorf("%w: flush rate must not be negative", ErrInvalidConfig)
	case c.TranslationChunkSize <= 0 || c.TranslationChunkSize&(c.TranslationChunkSize-1) != 0:
		return fmt.Errorf("%w: translation chunk size must be a power of two, got %d", ErrInvalidConfig, c.TranslationChunkSize)
	case c.UnpinTimeout <= 0:
		return fmt.Errorf("%w: unpin timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
