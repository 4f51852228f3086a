package pagecache

import "errors"

// --- Error Definitions ---

var (
	ErrCacheFull        = errors.New("page cache is full and no pages can be evicted")
	ErrCacheClosed      = errors.New("page cache is closed")
	ErrFileClosed       = errors.New("paged file is closed")
	ErrFilesStillMapped = errors.New("page cache still has mapped files")
	ErrPageOutOfBounds  = errors.New("access outside page or file bounds")
	ErrPinModeViolation = errors.New("operation not allowed under the current pin mode")
	ErrInvalidConfig    = errors.New("invalid page cache configuration")
	ErrPagesPinned      = errors.New("pages of a closing file are still pinned")
)
