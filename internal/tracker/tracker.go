package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bobarin/montage/internal/models"
)

// ErrNotFound is returned when no status is known for a job id.
var ErrNotFound = errors.New("job not found")

// Tracker publishes the live state of running jobs so they can be polled
// while the assemble request is still streaming.
type Tracker interface {
	Set(ctx context.Context, status models.JobStatus) error
	Get(ctx context.Context, id string) (*models.JobStatus, error)
}

// MemoryTracker keeps statuses in process. Entries expire after ttl.
type MemoryTracker struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	status  models.JobStatus
	expires time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = statusTTL
	}
	return &MemoryTracker{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (m *MemoryTracker) Set(ctx context.Context, status models.JobStatus) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[status.ID] = memoryEntry{status: status, expires: now.Add(m.ttl)}

	// Drop expired entries while holding the lock anyway
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemoryTracker) Get(ctx context.Context, id string) (*models.JobStatus, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok || time.Now().After(e.expires) {
		return nil, ErrNotFound
	}
	status := e.status
	return &status, nil
}
