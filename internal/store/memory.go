package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcription-service/internal/models"
)

// Memory is an in-process Store driver with the same transition semantics
// as the Postgres driver. It backs STORE_DRIVER=memory for local runs and
// the engine tests; a single mutex stands in for row locks, so a claim
// either wins a row or skips it, never waits.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	seq  map[string]int
	next int
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.Job),
		seq:  make(map[string]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook for lease-expiry paths.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Memory) Close() {}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.ProcessingMode == "" {
		p.ProcessingMode = models.ModeDownmix
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &models.Job{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		Status:         models.StatusPending,
		MediaURL:       p.MediaURL,
		MediaSHA256:    emptyToNil(p.MediaSHA256),
		ProcessingMode: p.ProcessingMode,
		TrackIndex:     copyInt(p.TrackIndex),
		Options:        p.Options,
		MaxRetries:     p.MaxRetries,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[job.ID] = job
	s.seq[job.ID] = s.next
	s.next++
	return cloneJob(job), nil
}

func (s *Memory) GetJob(_ context.Context, tenantID, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Memory) ListJobs(_ context.Context, tenantID string, f ListFilter) ([]models.Job, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return s.seq[matched[i].ID] > s.seq[matched[j].ID]
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]models.Job, 0, len(matched))
	for _, job := range matched {
		out = append(out, cloneJob(job))
	}
	return out, total, nil
}

func (s *Memory) eligible(job *models.Job, now time.Time) bool {
	switch job.Status {
	case models.StatusPending:
		return !job.NotBefore.After(now)
	case models.StatusClaimed, models.StatusRunning:
		return job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now)
	}
	return false
}

func (s *Memory) claimOne(job *models.Job, workerID string, leaseUntil, now time.Time) {
	if job.Status != models.StatusPending {
		job.RetryCount++
	}
	job.Status = models.StatusClaimed
	job.WorkerID = &workerID
	lease := leaseUntil
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
}

func (s *Memory) Claim(_ context.Context, workerID string, limit int, leaseFor time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*models.Job
	for _, job := range s.jobs {
		if s.eligible(job, now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return s.seq[candidates[i].ID] < s.seq[candidates[j].ID]
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	leaseUntil := now.Add(leaseFor)
	out := make([]models.Job, 0, len(candidates))
	for _, job := range candidates {
		s.claimOne(job, workerID, leaseUntil, now)
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (s *Memory) ClaimByID(_ context.Context, workerID, jobID string, leaseFor time.Duration) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, ErrConflict
	}
	if !s.eligible(job, now) {
		return models.Job{}, ErrConflict
	}
	s.claimOne(job, workerID, now.Add(leaseFor), now)
	return cloneJob(job), nil
}

func (s *Memory) Transition(_ context.Context, id, expected, next string, f TransitionFields) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != expected {
		return models.Job{}, ErrConflict
	}

	job.Status = next
	job.UpdatedAt = s.now()
	if f.WorkerID != nil {
		w := *f.WorkerID
		job.WorkerID = &w
	}
	if f.ClearWorker {
		job.WorkerID = nil
	}
	if f.LeaseExpiresAt != nil {
		t := *f.LeaseExpiresAt
		job.LeaseExpiresAt = &t
	}
	if f.ClearLease {
		job.LeaseExpiresAt = nil
	}
	if f.NotBefore != nil {
		job.NotBefore = *f.NotBefore
	}
	if f.RetryCount != nil {
		job.RetryCount = *f.RetryCount
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		job.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		job.CompletedAt = &t
	}
	if f.Error != nil {
		e := *f.Error
		job.Error = &e
	}
	if f.AppendErrorHistory != nil {
		job.ErrorHistory = append(job.ErrorHistory, *f.AppendErrorHistory)
	}
	if f.Result != nil {
		r := *f.Result
		r.Segments = append([]models.Segment(nil), f.Result.Segments...)
		job.Result = &r
	}
	if f.MediaDurationSeconds != nil {
		v := *f.MediaDurationSeconds
		job.MediaDurationSeconds = &v
	}
	if f.ProcessingTimeSeconds != nil {
		v := *f.ProcessingTimeSeconds
		job.ProcessingTimeSeconds = &v
	}
	return cloneJob(job), nil
}

func (s *Memory) ExtendLease(_ context.Context, id, workerID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job, ok := s.jobs[id]
	if !ok {
		return ErrConflict
	}
	if job.Status != models.StatusClaimed && job.Status != models.StatusRunning {
		return ErrConflict
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrConflict
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return ErrConflict
	}
	lease := now.Add(leaseFor)
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return nil
}

func (s *Memory) RequestCancel(_ context.Context, tenantID, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return models.Job{}, ErrNotFound
	}
	if models.TerminalStatus(job.Status) {
		return cloneJob(job), nil
	}

	now := s.now()
	if job.Status == models.StatusPending {
		job.Status = models.StatusCancelled
		job.WorkerID = nil
		job.LeaseExpiresAt = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
		return cloneJob(job), nil
	}
	job.CancelRequested = true
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *Memory) TenantUsage(_ context.Context, tenantID string, since, until time.Time) (models.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.UsageSummary{TenantID: tenantID, WindowStart: since, WindowEnd: until}
	for _, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if job.CreatedAt.Before(since) || !job.CreatedAt.Before(until) {
			continue
		}
		summary.TotalJobs++
		switch job.Status {
		case models.StatusSucceeded:
			summary.SucceededJobs++
		case models.StatusFailed:
			summary.FailedJobs++
		}
		if job.MediaDurationSeconds != nil {
			summary.MediaSecondsProcessed += *job.MediaDurationSeconds
		}
		if job.ProcessingTimeSeconds != nil {
			summary.ProcessingSecondsTotal += *job.ProcessingTimeSeconds
		}
	}
	return summary, nil
}

func cloneJob(job *models.Job) models.Job {
	out := *job
	out.TrackIndex = copyInt(job.TrackIndex)
	out.MediaSHA256 = copyString(job.MediaSHA256)
	out.WorkerID = copyString(job.WorkerID)
	out.LeaseExpiresAt = copyTime(job.LeaseExpiresAt)
	out.StartedAt = copyTime(job.StartedAt)
	out.CompletedAt = copyTime(job.CompletedAt)
	out.MediaDurationSeconds = copyFloat(job.MediaDurationSeconds)
	out.ProcessingTimeSeconds = copyFloat(job.ProcessingTimeSeconds)
	if job.Error != nil {
		e := *job.Error
		out.Error = &e
	}
	out.ErrorHistory = append([]models.ErrorHistoryEntry(nil), job.ErrorHistory...)
	if job.Result != nil {
		r := *job.Result
		r.Segments = append([]models.Segment(nil), job.Result.Segments...)
		out.Result = &r
	}
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
