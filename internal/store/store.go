package store

import (
	"context"
	"errors"
	"time"

	"transcription-service/internal/models"
)

// Sentinel errors surfaced by every driver.
var (
	// ErrNotFound means no job with that id exists for the tenant.
	ErrNotFound = errors.New("job not found")
	// ErrConflict means a compare-and-set transition observed a different
	// stored status than expected. The losing caller discards its write.
	ErrConflict = errors.New("status conflict")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID       string
	MediaURL       string
	MediaSHA256    string
	ProcessingMode string
	TrackIndex     *int
	Options        models.JobOptions
	MaxRetries     int
}

// ListFilter narrows and paginates tenant-scoped listings.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// TransitionFields carries the optional column updates applied together
// with a status transition. Nil fields are left untouched.
type TransitionFields struct {
	WorkerID              *string
	ClearWorker           bool
	LeaseExpiresAt        *time.Time
	ClearLease            bool
	NotBefore             *time.Time
	RetryCount            *int
	StartedAt             *time.Time
	CompletedAt           *time.Time
	Error                 *models.JobError
	AppendErrorHistory    *models.ErrorHistoryEntry
	Result                *models.TranscriptionResult
	MediaDurationSeconds  *float64
	ProcessingTimeSeconds *float64
}

// Store is the durable job table: the sole source of truth for job state
// and the only shared mutable resource between workers. All status
// mutation goes through Claim or the compare-and-set Transition.
type Store interface {
	// CreateJob inserts a pending job for the tenant.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)

	// GetJob fetches one job. Lookups are tenant-scoped by construction:
	// a job belonging to another tenant yields ErrNotFound.
	GetJob(ctx context.Context, tenantID, id string) (models.Job, error)

	// ListJobs returns the tenant's jobs, newest first, with the total
	// count before pagination.
	ListJobs(ctx context.Context, tenantID string, f ListFilter) ([]models.Job, int64, error)

	// Claim atomically leases up to limit eligible jobs for workerID.
	// Eligible rows are pending ones past their not_before, plus
	// claimed/running rows whose lease has expired (which get
	// retry_count incremented on reclaim). Rows locked by a concurrent
	// claimant are skipped, never waited on.
	Claim(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]models.Job, error)

	// ClaimByID leases one specific pending (or lease-expired) job.
	// Used by the external workflow-runtime boundary. Returns
	// ErrConflict when the job is not eligible.
	ClaimByID(ctx context.Context, workerID, jobID string, leaseFor time.Duration) (models.Job, error)

	// Transition performs an atomic compare-and-set from expected to
	// next, applying fields in the same operation. Returns ErrConflict
	// when the stored status differs from expected.
	Transition(ctx context.Context, id, expected, next string, fields TransitionFields) (models.Job, error)

	// ExtendLease pushes lease_expires_at forward for a job still held
	// by workerID. Returns ErrConflict when the lease was lost.
	ExtendLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error

	// RequestCancel cancels a pending job outright, or flags a
	// claimed/running job for cooperative cancellation at the worker's
	// next checkpoint. Terminal jobs are returned unchanged.
	RequestCancel(ctx context.Context, tenantID, id string) (models.Job, error)

	// TenantUsage aggregates completed-job metrics over a window.
	TenantUsage(ctx context.Context, tenantID string, since, until time.Time) (models.UsageSummary, error)

	Close()
}
