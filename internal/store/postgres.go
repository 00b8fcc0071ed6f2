package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcription-service/internal/models"
)

// Postgres is the durable Store driver backed by pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant_id, status, media_url, media_sha256, processing_mode, track_index,
	options, retry_count, max_retries, worker_id, lease_expires_at, not_before, cancel_requested,
	created_at, updated_at, started_at, completed_at, error, error_history, result,
	media_duration_seconds, processing_time_seconds`

// CreateJob inserts a pending job row for the tenant.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.ProcessingMode == "" {
		p.ProcessingMode = models.ModeDownmix
	}

	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal options: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, status, media_url, media_sha256, processing_mode, track_index,
			options, retry_count, max_retries, not_before, cancel_requested, created_at, updated_at, error_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, FALSE, $10, $10, '[]')
		RETURNING `+jobColumns,
		id, p.TenantID, models.StatusPending, p.MediaURL, emptyToNil(p.MediaSHA256),
		p.ProcessingMode, p.TrackIndex, optionsJSON, p.MaxRetries, now)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id, scoped to the tenant.
func (s *Postgres) GetJob(ctx context.Context, tenantID, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns the tenant's jobs, newest first, plus the unpaginated total.
func (s *Postgres) ListJobs(ctx context.Context, tenantID string, f ListFilter) ([]models.Job, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM jobs WHERE tenant_id = $1`
	countArgs := []any{tenantID}
	if f.Status != "" {
		countQuery += ` AND status = $2`
		countArgs = append(countArgs, f.Status)
	}
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// Claim leases up to limit eligible jobs in one atomic statement.
// FOR UPDATE SKIP LOCKED makes concurrent claimants skip contended rows
// instead of blocking on them; reclaimed lease-expired rows get their
// retry_count incremented and the stale worker replaced.
func (s *Postgres) Claim(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	leaseUntil := time.Now().UTC().Add(leaseFor)
	rows, err := s.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id, status FROM jobs
			WHERE (status = $1 AND not_before <= NOW())
			   OR (status IN ($2, $3) AND lease_expires_at < NOW())
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $2,
			worker_id = $5,
			lease_expires_at = $6,
			retry_count = j.retry_count + CASE WHEN e.status = $1 THEN 0 ELSE 1 END,
			updated_at = NOW()
		FROM eligible e
		WHERE j.id = e.id
		RETURNING `+prefixed("j", jobColumns),
		models.StatusPending, models.StatusClaimed, models.StatusRunning,
		limit, workerID, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimByID leases one specific job when it is eligible.
func (s *Postgres) ClaimByID(ctx context.Context, workerID, jobID string, leaseFor time.Duration) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
			worker_id = $5,
			lease_expires_at = $6,
			retry_count = retry_count + CASE WHEN status = $1 THEN 0 ELSE 1 END,
			updated_at = NOW()
		WHERE id = $4
		  AND ((status = $1 AND not_before <= NOW())
		    OR (status IN ($2, $3) AND lease_expires_at < NOW()))
		RETURNING `+jobColumns,
		models.StatusPending, models.StatusClaimed, models.StatusRunning,
		jobID, workerID, time.Now().UTC().Add(leaseFor))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrConflict
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return job, nil
}

// Transition compare-and-sets status and applies the field updates atomically.
func (s *Postgres) Transition(ctx context.Context, id, expected, next string, f TransitionFields) (models.Job, error) {
	set := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, expected, next}

	add := func(fragment string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(fragment, len(args)))
	}

	if f.WorkerID != nil {
		add("worker_id = $%d", *f.WorkerID)
	}
	if f.ClearWorker {
		set = append(set, "worker_id = NULL")
	}
	if f.LeaseExpiresAt != nil {
		add("lease_expires_at = $%d", *f.LeaseExpiresAt)
	}
	if f.ClearLease {
		set = append(set, "lease_expires_at = NULL")
	}
	if f.NotBefore != nil {
		add("not_before = $%d", *f.NotBefore)
	}
	if f.RetryCount != nil {
		add("retry_count = $%d", *f.RetryCount)
	}
	if f.StartedAt != nil {
		add("started_at = $%d", *f.StartedAt)
	}
	if f.CompletedAt != nil {
		add("completed_at = $%d", *f.CompletedAt)
	}
	if f.Error != nil {
		raw, err := json.Marshal(f.Error)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal error: %w", err)
		}
		add("error = $%d", raw)
	}
	if f.AppendErrorHistory != nil {
		raw, err := json.Marshal(f.AppendErrorHistory)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal error history entry: %w", err)
		}
		add("error_history = error_history || $%d::jsonb", raw)
	}
	if f.Result != nil {
		raw, err := json.Marshal(f.Result)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
		add("result = $%d", raw)
	}
	if f.MediaDurationSeconds != nil {
		add("media_duration_seconds = $%d", *f.MediaDurationSeconds)
	}
	if f.ProcessingTimeSeconds != nil {
		add("processing_time_seconds = $%d", *f.ProcessingTimeSeconds)
	}

	query := "UPDATE jobs SET " + joinSet(set) + " WHERE id = $1 AND status = $2 RETURNING " + jobColumns
	row := s.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrConflict
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("transition job %s %s->%s: %w", id, expected, next, err)
	}
	return job, nil
}

// ExtendLease renews the lease for a job still held by workerID.
func (s *Postgres) ExtendLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ($4, $5) AND lease_expires_at > NOW()
	`, id, workerID, time.Now().UTC().Add(leaseFor), models.StatusClaimed, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RequestCancel cancels a pending job, or flags an in-flight one for
// cooperative cancellation.
func (s *Postgres) RequestCancel(ctx context.Context, tenantID, id string) (models.Job, error) {
	job, err := s.GetJob(ctx, tenantID, id)
	if err != nil {
		return models.Job{}, err
	}
	if models.TerminalStatus(job.Status) {
		return job, nil
	}

	if job.Status == models.StatusPending {
		now := time.Now().UTC()
		cancelled, err := s.Transition(ctx, id, models.StatusPending, models.StatusCancelled, TransitionFields{
			CompletedAt: &now,
			ClearWorker: true,
			ClearLease:  true,
		})
		if err == nil {
			return cancelled, nil
		}
		if !errors.Is(err, ErrConflict) {
			return models.Job{}, err
		}
		// Claimed between read and CAS; fall through to the flag.
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status NOT IN ($3, $4, $5)
		RETURNING `+jobColumns, id, tenantID,
		models.StatusSucceeded, models.StatusFailed, models.StatusCancelled)
	job, err = scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Went terminal between the read and the flag; report it as-is.
		return s.GetJob(ctx, tenantID, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("request cancel: %w", err)
	}
	return job, nil
}

// TenantUsage aggregates completed-job metrics over the window.
func (s *Postgres) TenantUsage(ctx context.Context, tenantID string, since, until time.Time) (models.UsageSummary, error) {
	summary := models.UsageSummary{TenantID: tenantID, WindowStart: since, WindowEnd: until}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status = $5),
			COALESCE(SUM(media_duration_seconds), 0),
			COALESCE(SUM(processing_time_seconds), 0)
		FROM jobs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, since, until, models.StatusSucceeded, models.StatusFailed).Scan(
		&summary.TotalJobs, &summary.SucceededJobs, &summary.FailedJobs,
		&summary.MediaSecondsProcessed, &summary.ProcessingSecondsTotal)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var sha, worker pgtype.Text
	var trackIndex pgtype.Int4
	var lease, started, completed pgtype.Timestamptz
	var optionsJSON, errorJSON, historyJSON, resultJSON []byte
	var mediaDur, procTime pgtype.Float8

	err := row.Scan(&job.ID, &job.TenantID, &job.Status, &job.MediaURL, &sha,
		&job.ProcessingMode, &trackIndex, &optionsJSON, &job.RetryCount, &job.MaxRetries,
		&worker, &lease, &job.NotBefore, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &started, &completed,
		&errorJSON, &historyJSON, &resultJSON, &mediaDur, &procTime)
	if err != nil {
		return models.Job{}, err
	}

	job.MediaSHA256 = textPtr(sha)
	job.WorkerID = textPtr(worker)
	if trackIndex.Valid {
		v := int(trackIndex.Int32)
		job.TrackIndex = &v
	}
	if lease.Valid {
		job.LeaseExpiresAt = &lease.Time
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	if mediaDur.Valid {
		job.MediaDurationSeconds = &mediaDur.Float64
	}
	if procTime.Valid {
		job.ProcessingTimeSeconds = &procTime.Float64
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(errorJSON, job.Error); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &job.ErrorHistory); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = &models.TranscriptionResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func joinSet(set []string) string {
	return strings.Join(set, ", ")
}
