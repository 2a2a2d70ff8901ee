package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps job records in process memory. It implements the same
// contract as SQLiteStore minus crash durability, and exists for tests and
// single-shot embedding.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Job
	locks map[string]*sync.Mutex
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Job),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Create inserts a new job record.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return conflictf("job id must be assigned before create")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[job.ID]; exists {
		return conflictf("job %s already exists", job.ID)
	}
	s.items[job.ID] = job.Clone()
	return nil
}

// Get fetches a job by identifier.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

// Update applies the mutator under the per-id lock.
func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Job) error) (*Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	before, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}
	if err := validateMutation(before, after); err != nil {
		return nil, err
	}
	after.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.items[id] = after
	s.mu.Unlock()
	return after.Clone(), nil
}

// List returns jobs matching the filter ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Job, error) {
	s.mu.RLock()
	result := make([]*Job, 0, len(s.items))
	for _, job := range s.items {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, job.Status) {
			continue
		}
		result = append(result, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Stats returns a count of jobs grouped by status.
func (s *MemoryStore) Stats(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[Status]int)
	for _, job := range s.items {
		stats[job.Status]++
	}
	return stats, nil
}

// ReclaimRunning returns jobs stranded in running back to queued.
func (s *MemoryStore) ReclaimRunning(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, job := range s.items {
		if job.Status != StatusRunning {
			continue
		}
		cp := job.Clone()
		cp.Status = StatusQueued
		cp.Stage = ""
		cp.UpdatedAt = time.Now().UTC()
		s.items[id] = cp
		count++
	}
	return count, nil
}

// PruneTerminal deletes terminal jobs not touched since the cutoff.
func (s *MemoryStore) PruneTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, job := range s.items {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(olderThan) {
			delete(s.items, id)
			delete(s.locks, id)
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
