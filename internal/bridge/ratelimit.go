package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps republished messages per interval and drops the rest.
// It uses atomic counters for lock-free operation on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// allow reports whether another message fits in the current interval.
func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter and
// logs a warning if any messages were dropped.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.count.Store(0)
			if n := r.dropped.Swap(0); n > 0 {
				r.logger.Warn("bridge rate limit exceeded, messages dropped", "dropped", n)
			}
		}
	}
}
