package pagecache

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// flushBurst lets a throttled flush write this many bytes back to back.
const flushBurst = 4 * 1024 * 1024 // 4 MiB

// ioLimiter throttles flush writes. A nil limiter never waits.
type ioLimiter struct {
	limiter *rate.Limiter
}

func newIOLimiter(bytesPerSecond int64, pageSize int) *ioLimiter {
	if bytesPerSecond <= 0 {
		return &ioLimiter{}
	}
	burst := flushBurst
	if pageSize > burst {
		burst = pageSize
	}
	return &ioLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// wait blocks until n more bytes may be written.
func (l *ioLimiter) wait(ctx context.Context, n int) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	if err := l.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("flush rate limiter: %w", err)
	}
	return nil
}
