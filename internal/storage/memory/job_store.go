// Package memory provides in-memory persistence for development/testing.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]pricing.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]pricing.Job)}
}

// CreateJob stores a new job in pending status.
func (s *JobStore) CreateJob(_ context.Context, job pricing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pricing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.Job{}, pricing.ErrJobNotFound
	}
	return job, nil
}

// MarkProcessing flips a pending job to processing.
func (s *JobStore) MarkProcessing(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return pricing.ErrJobTerminal
	}
	job.Status = pricing.JobStatusProcessing
	if job.Started == nil {
		started := startedAt
		job.Started = &started
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress writes a progress value; decreases are ignored so progress
// stays monotone, and terminal jobs are never touched.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.ErrJobNotFound
	}
	if job.Status.IsTerminal() || progress <= job.Progress {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	s.jobs[jobID] = job
	return nil
}

// AppendLog attaches a structured log line to the job.
func (s *JobStore) AppendLog(_ context.Context, jobID string, line pricing.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.ErrJobNotFound
	}
	job.Logs = append(job.Logs, line)
	s.jobs[jobID] = job
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return pricing.ErrJobTerminal
	}
	job.CancelRequested = true
	s.jobs[jobID] = job
	return nil
}

// IsCancelRequested reads the cancellation flag.
func (s *JobStore) IsCancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, pricing.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

// CompleteJob writes the terminal state exactly once.
func (s *JobStore) CompleteJob(
	_ context.Context,
	jobID string,
	status pricing.JobStatus,
	output json.RawMessage,
	errText string,
	at time.Time,
) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pricing.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return pricing.ErrJobTerminal
	}
	job.Status = status
	job.Output = append(json.RawMessage(nil), output...)
	job.ErrorText = errText
	completed := at
	job.Completed = &completed
	if status == pricing.JobStatusCompleted {
		job.Progress = 100
	}
	s.jobs[jobID] = job
	return nil
}
