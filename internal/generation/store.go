package generation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genserver/internal/domain"
)

// Store is the in-process job registry. It is the only shared mutable
// structure in the system: every mutation goes through Update under the store
// lock, reads hand out deep copies so callers never observe a half-applied
// transition.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.Job)}
}

// Create allocates a job id, inserts a queued record and returns a snapshot.
func (s *Store) Create(userID string, req domain.GenerationRequest) *domain.Job {
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    domain.JobStatusQueued,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.Clone()
}

// Get returns a snapshot of the job or domain.ErrNotFound.
func (s *Store) Get(jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

// ListByUser returns snapshots of the user's jobs, most recent first.
func (s *Store) ListByUser(userID string) []*domain.Job {
	s.mu.RLock()
	out := make([]*domain.Job, 0, 8)
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies mutate to the job under the store lock and returns the
// resulting snapshot. Jobs already in a terminal state are never handed to the
// mutator: the call fails with domain.ErrJobFinished, which keeps terminal
// records immutable under concurrent writers. A non-nil error from mutate
// aborts the update without touching the record.
func (s *Store) Update(jobID string, mutate func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, domain.ErrJobFinished
	}
	staged := job.Clone()
	if err := mutate(staged); err != nil {
		return nil, err
	}
	s.jobs[jobID] = staged
	return staged.Clone(), nil
}

// Remove deletes a record outright. It exists for rolling back a creation
// whose enqueue failed; routine eviction goes through Sweep.
func (s *Store) Remove(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// Sweep removes terminal jobs whose completion is older than maxAge and
// reports how many were evicted. Queued and running jobs are never removed
// regardless of age; a stuck job must stay visible for debugging and
// cancellation.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// QueueStats aggregates job counts for the list endpoint and metrics.
type QueueStats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	QueueDepth int `json:"queue_depth"`
	Workers    int `json:"workers"`
}

// Stats counts jobs per status. QueueDepth and Workers are filled in by the
// queue, not here.
func (s *Store) Stats() QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := QueueStats{Total: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusQueued:
			stats.Queued++
		case domain.JobStatusRunning:
			stats.Running++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		case domain.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}
