package result

import (
	"context"
	"sync"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
)

// Memory is an in-process result store for tests and single-node
// deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates an empty in-process result store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

var _ Store = (*Memory)(nil)

// Put stores the result body for the job.
func (m *Memory) Put(_ context.Context, jobID id.JobID, ownerID, body string) (string, error) {
	ref := "result:" + jobID.String()
	rec := &Record{
		Ref:       ref,
		JobID:     jobID.String(),
		OwnerID:   ownerID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.records[ref] = rec
	m.mu.Unlock()
	return ref, nil
}

// Get retrieves a stored result by reference.
func (m *Memory) Get(_ context.Context, ref string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[ref]
	if !ok {
		return nil, workroom.ErrResultNotFound
	}
	cp := *rec
	return &cp, nil
}

// Purge deletes results older than the retention window.
func (m *Memory) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var removed int64
	m.mu.Lock()
	for ref, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, ref)
			removed++
		}
	}
	m.mu.Unlock()
	return removed, nil
}
