package swapper

import "errors"

var (
	ErrTooManySwappers = errors.New("swapper id space exhausted")
	ErrSwapperClosed   = errors.New("swapper is closed")
	ErrIO              = errors.New("i/o error")
)

// Swapper moves whole pages between a file and page cache buffers. Implementations must be
// safe for concurrent use: the cache calls Read and Write for different pages in parallel.
type Swapper interface {
	// Read fills buf with the contents of the given page and returns the number of bytes
	// read from the file. Bytes past the end of the file are zeroed.
	Read(filePageID uint64, buf []byte) (int, error)
	// Write stores buf as the contents of the given page.
	Write(filePageID uint64, buf []byte) (int, error)
	// Evicted notifies the swapper that the page no longer has a cache slot.
	Evicted(filePageID uint64)
	// Force makes previous writes durable.
	Force() error
	Close() error
	FileName() string
}

// EvictionCallback is invoked by a swapper whenever one of its pages is evicted.
type EvictionCallback func(filePageID uint64)

// Factory opens swappers for the page cache.
type Factory interface {
	CreateSwapper(path string, pageSize int, onEvicted EvictionCallback, create bool) (Swapper, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(path string, pageSize int, onEvicted EvictionCallback, create bool) (Swapper, error)

func (f FactoryFunc) CreateSwapper(path string, pageSize int, onEvicted EvictionCallback, create bool) (Swapper, error) {
	return f(path, pageSize, onEvicted, create)
}
