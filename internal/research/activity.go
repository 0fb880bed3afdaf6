package research

import (
	"time"

	"github.com/google/uuid"
)

type ActivityKind string

const (
	ActivityQuery      ActivityKind = "query"
	ActivitySources    ActivityKind = "sources"
	ActivityProcessing ActivityKind = "processing"
	ActivityComplete   ActivityKind = "complete"
	ActivityError      ActivityKind = "error"
)

type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

type ActivityEntry struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      ActivityKind   `json:"kind"`
	Status    ActivityStatus `json:"status"`
	Progress  *int           `json:"progress,omitempty"`
}

// activityLog holds one entry per task plus the synthesis entry. Entries are
// updated in place and never removed. It is not safe for concurrent use; the
// orchestrator guards it.
type activityLog struct {
	now     func() time.Time
	entries []*ActivityEntry
	byKey   map[string]*ActivityEntry
}

func newActivityLog(now func() time.Time) *activityLog {
	if now == nil {
		now = time.Now
	}
	return &activityLog{now: now, byKey: make(map[string]*ActivityEntry)}
}

func (l *activityLog) add(key, title, content string, kind ActivityKind, status ActivityStatus) {
	entry := &ActivityEntry{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Status:    status,
	}
	l.entries = append(l.entries, entry)
	l.byKey[key] = entry
}

func (l *activityLog) update(key, content string, kind ActivityKind, status ActivityStatus, progress *int) {
	entry, ok := l.byKey[key]
	if !ok {
		return
	}
	entry.Content = content
	entry.Kind = kind
	entry.Status = status
	entry.Timestamp = l.now().UTC()
	if progress != nil {
		value := *progress
		entry.Progress = &value
	}
}

// snapshot copies the entries newest first.
func (l *activityLog) snapshot() []ActivityEntry {
	out := make([]ActivityEntry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := *l.entries[i]
		if entry.Progress != nil {
			value := *entry.Progress
			entry.Progress = &value
		}
		out = append(out, entry)
	}
	return out
}
