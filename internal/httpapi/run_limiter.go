package httpapi

import (
	"sync"
	"time"
)

// runLimiter spaces research runs per client. Runs are long and costly, so a
// client that starts another too soon is told when to retry instead of
// being queued.
type runLimiter struct {
	minInterval time.Duration
	now         func() time.Time

	mu            sync.Mutex
	nextAllowedAt map[string]time.Time
}

func newRunLimiter(minInterval time.Duration) *runLimiter {
	return &runLimiter{
		minInterval:   minInterval,
		now:           time.Now,
		nextAllowedAt: make(map[string]time.Time),
	}
}

// allow reserves a run for client, or reports how long it must wait.
func (l *runLimiter) allow(client string) (time.Duration, bool) {
	if l == nil || l.minInterval <= 0 {
		return 0, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if next, ok := l.nextAllowedAt[client]; ok && next.After(now) {
		return next.Sub(now), false
	}
	l.nextAllowedAt[client] = now.Add(l.minInterval)
	l.pruneLocked(now)
	return 0, true
}

func (l *runLimiter) pruneLocked(now time.Time) {
	for client, next := range l.nextAllowedAt {
		if !next.After(now) {
			delete(l.nextAllowedAt, client)
		}
	}
}
