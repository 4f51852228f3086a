package swapper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileSwapper stores page N of a file at byte offset N*pageSize. It imposes no header and no
// record format; the page cache owns the bytes.
type FileSwapper struct {
	path      string
	pageSize  int
	onEvicted EvictionCallback
	logger    *zap.Logger

	mu     sync.RWMutex // guards file against Close; ReadAt/WriteAt are safe concurrently
	file   *os.File
	closed bool
}

// OpenFileSwapper opens (or, when create is set, creates) the file at path.
func OpenFileSwapper(path string, pageSize int, onEvicted EvictionCallback, create bool, logger *zap.Logger) (*FileSwapper, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, path, err)
	}
	logger.Debug("Opened page swapper", zap.String("path", path), zap.Int("pageSize", pageSize))
	return &FileSwapper{
		path:      path,
		pageSize:  pageSize,
		onEvicted: onEvicted,
		logger:    logger,
		file:      file,
	}, nil
}

// NewFileSwapperFactory returns a Factory producing FileSwappers.
func NewFileSwapperFactory(logger *zap.Logger) Factory {
	return FactoryFunc(func(path string, pageSize int, onEvicted EvictionCallback, create bool) (Swapper, error) {
		return OpenFileSwapper(path, pageSize, onEvicted, create, logger)
	})
}

func (fs *FileSwapper) acquire() (*os.File, error) {
	fs.mu.RLock()
	if fs.closed {
		fs.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrSwapperClosed, fs.path)
	}
	return fs.file, nil
}

func (fs *FileSwapper) Read(filePageID uint64, buf []byte) (int, error) {
	if len(buf) != fs.pageSize {
		return 0, fmt.Errorf("page buffer size (%d) != swapper page size (%d)", len(buf), fs.pageSize)
	}
	file, err := fs.acquire()
	if err != nil {
		return 0, err
	}
	defer fs.mu.RUnlock()

	offset := int64(filePageID) * int64(fs.pageSize)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, filePageID, offset, err)
	}
	// Pages past the end of the file read as zeroes.
	clear(buf[n:])
	return n, nil
}

func (fs *FileSwapper) Write(filePageID uint64, buf []byte) (int, error) {
	if len(buf) != fs.pageSize {
		return 0, fmt.Errorf("page buffer size (%d) != swapper page size (%d)", len(buf), fs.pageSize)
	}
	file, err := fs.acquire()
	if err != nil {
		return 0, err
	}
	defer fs.mu.RUnlock()

	offset := int64(filePageID) * int64(fs.pageSize)
	n, err := file.WriteAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, filePageID, offset, err)
	}
	return n, nil
}

func (fs *FileSwapper) Evicted(filePageID uint64) {
	if fs.onEvicted != nil {
		fs.onEvicted(filePageID)
	}
}

// Force flushes written pages to stable storage.
func (fs *FileSwapper) Force() error {
	file, err := fs.acquire()
	if err != nil {
		return err
	}
	defer fs.mu.RUnlock()
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, fs.path, err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (fs *FileSwapper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	if err := fs.file.Sync(); err != nil {
		fs.logger.Warn("Error syncing file on close", zap.String("path", fs.path), zap.Error(err))
	}
	closeErr := fs.file.Close()
	fs.file = nil
	return closeErr
}

func (fs *FileSwapper) FileName() string { return fs.path }
