package exa

import (
	"context"
	"sync"
	"time"
)

// windowLimiter caps calls per fixed window. A call that would exceed the cap
// waits until the current window rolls over.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &windowLimiter{limit: limit, window: window, now: time.Now}
}

// wait blocks until the caller may proceed. It reports whether the caller had
// to wait for a window rollover.
func (l *windowLimiter) wait(ctx context.Context) (bool, error) {
	waited := false
	for {
		l.mu.Lock()
		now := l.now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return waited, nil
		}
		delay := l.windowStart.Add(l.window).Sub(now)
		l.mu.Unlock()

		waited = true
		if err := waitWithContext(ctx, delay); err != nil {
			return waited, err
		}
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
