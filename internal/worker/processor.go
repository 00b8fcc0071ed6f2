package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/media"
	"transcription-service/internal/merge"
	"transcription-service/internal/models"
	"transcription-service/internal/store"
	"transcription-service/internal/telemetry"
)

// Fetcher downloads job media into a working directory.
type Fetcher interface {
	Fetch(ctx context.Context, mediaURL, destDir string) (string, error)
}

// Processor drives the poll-claim-execute worker pool. Workers share no
// in-flight state with each other; every hand-off goes through the job
// store's atomic claim and compare-and-set transitions.
type Processor struct {
	cfg       config.Config
	store     store.Store
	engine    backend.Backend
	fetcher   Fetcher
	prober    media.Prober
	extractor media.Extractor
	workerID  string
	log       zerolog.Logger
}

// New constructs a processor around the configured engine and media
// toolchain.
func New(cfg config.Config, st store.Store, engine backend.Backend, fetcher Fetcher, prober media.Prober, extractor media.Extractor, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		engine:    engine,
		fetcher:   fetcher,
		prober:    prober,
		extractor: extractor,
		workerID:  workerID,
		log:       log.With().Str("worker_id", workerID).Logger(),
	}
}

// Run starts the worker pool and blocks until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runLoop(ctx, fmt.Sprintf("%s-%d", p.workerID, slot))
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// runLoop is one worker's independent poll-claim-execute cycle. When no
// eligible row exists it sleeps for the poll interval; contention with
// other claimants is resolved inside store.Claim, never by waiting.
func (p *Processor) runLoop(ctx context.Context, workerID string) {
	log := p.log.With().Str("worker_id", workerID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.store.Claim(ctx, workerID, p.cfg.ClaimBatchSize, p.cfg.LeaseDuration)
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			p.sleep(ctx)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(ctx)
			continue
		}

		for _, job := range jobs {
			p.processClaimed(ctx, workerID, job)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// processClaimed runs one claimed job to a terminal or requeued state.
func (p *Processor) processClaimed(ctx context.Context, workerID string, job models.Job) string {
	log := p.log.With().
		Str("worker_id", workerID).
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Logger()
	log.Info().Str("mode", job.ProcessingMode).Int("retry_count", job.RetryCount).Msg("job claimed")

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if job.CancelRequested {
		return p.cancel(ctx, job, models.StatusClaimed, log)
	}

	// A reclaim cycle can push retry_count past the budget without any
	// worker observing the exhaustion; settle it here.
	if job.RetryCount > job.MaxRetries {
		return p.fail(ctx, job, models.StatusClaimed, &models.JobError{
			Kind:    models.ErrKindRetryExhausted,
			Message: "retry budget exhausted",
			Detail:  fmt.Sprintf("retry_count=%d max_retries=%d", job.RetryCount, job.MaxRetries),
		}, log)
	}

	// The heartbeat keeps the lease alive for long transcriptions and
	// cancels the job context the moment the lease is lost.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	stopHeartbeat := p.startHeartbeat(jobCtx, job.ID, workerID, cancelJob)
	defer stopHeartbeat()

	start := time.Now()
	outcome, err := p.execute(jobCtx, &job, log)
	if outcome.stale {
		// Another worker holds the job now; ours was a zombie claim.
		telemetry.StaleResults.Inc()
		log.Warn().Msg("claim superseded, work discarded")
		return job.Status
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. The job is healthy; leave it leased so
			// lease expiry hands it to another worker.
			log.Warn().Msg("shutdown mid-job, leaving lease to expire")
			return job.Status
		}
		if jobCtx.Err() != nil {
			// Lease lost mid-flight: the job is already eligible for
			// another worker. Discard silently.
			telemetry.StaleResults.Inc()
			log.Warn().Msg("lease lost, result discarded")
			return job.Status
		}
		return p.failOrRetry(ctx, job, classify(err), log)
	}
	if outcome.cancelled {
		return p.cancel(ctx, job, job.Status, log)
	}

	processingTime := time.Since(start).Seconds()
	completed := time.Now().UTC()
	_, err = p.store.Transition(ctx, job.ID, models.StatusRunning, models.StatusSucceeded, store.TransitionFields{
		Result:                outcome.result,
		CompletedAt:           &completed,
		ClearWorker:           true,
		ClearLease:            true,
		MediaDurationSeconds:  &outcome.mediaDuration,
		ProcessingTimeSeconds: &processingTime,
	})
	if errors.Is(err, store.ErrConflict) {
		// Lease-expiry recovery won the race; last writer matching the
		// expected prior status wins and our result is stale.
		telemetry.StaleResults.Inc()
		log.Warn().Msg("completion conflict, result discarded")
		return job.Status
	}
	if err != nil {
		log.Error().Err(err).Msg("record success failed")
		return job.Status
	}

	telemetry.JobsSucceeded.Inc()
	telemetry.ProcessingSeconds.Observe(processingTime)
	telemetry.MediaDurationSeconds.Observe(outcome.mediaDuration)
	log.Info().
		Float64("media_duration", outcome.mediaDuration).
		Float64("processing_time", processingTime).
		Str("language", outcome.result.DetectedLanguage).
		Msg("job succeeded")
	return models.StatusSucceeded
}

type executeOutcome struct {
	result        *models.TranscriptionResult
	mediaDuration float64
	cancelled     bool
	stale         bool
}

// execute runs the transcription pipeline. It mutates job.Status as the
// job advances claimed -> running so failure paths CAS against the right
// expected status.
func (p *Processor) execute(ctx context.Context, job *models.Job, log zerolog.Logger) (executeOutcome, error) {
	workDir := filepath.Join(p.cfg.WorkDir, "transcription", job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return executeOutcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	mediaPath, err := p.fetcher.Fetch(ctx, job.MediaURL, workDir)
	if err != nil {
		// Fetch failures are network-shaped; retry them.
		return executeOutcome{}, transientErr("fetch media", err)
	}

	if job.MediaSHA256 != nil {
		if err := media.VerifySHA256(mediaPath, *job.MediaSHA256); err != nil {
			return executeOutcome{}, validationErr("media integrity check failed", err)
		}
	}

	info, err := p.prober.Probe(ctx, mediaPath)
	if err != nil {
		return executeOutcome{}, validationErr("unreadable media", err)
	}
	if info.AudioTracks == 0 {
		return executeOutcome{}, validationErr("media has no audio tracks", nil)
	}
	if job.ProcessingMode == models.ModeSelect {
		if job.TrackIndex == nil {
			return executeOutcome{}, validationErr("select mode requires track_index", nil)
		}
		if *job.TrackIndex < 0 || *job.TrackIndex >= info.AudioTracks {
			return executeOutcome{}, validationErr(
				fmt.Sprintf("track_index %d out of range for %d-track media", *job.TrackIndex, info.AudioTracks), nil)
		}
	}

	if cancelled, err := p.checkpointCancelled(ctx, job); err != nil || cancelled {
		return executeOutcome{cancelled: cancelled}, err
	}

	// Validation is done; only now does the job reach running.
	started := time.Now().UTC()
	if _, err := p.store.Transition(ctx, job.ID, models.StatusClaimed, models.StatusRunning, store.TransitionFields{
		StartedAt: &started,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return executeOutcome{stale: true}, nil
		}
		return executeOutcome{}, fmt.Errorf("start job: %w", err)
	}
	job.Status = models.StatusRunning

	params := backend.Params{
		Language:       job.Options.Language,
		WordTimestamps: job.Options.WordTimestamps,
		Quality:        job.Options.Quality,
	}

	var tracks [][]models.Segment
	var language string
	switch job.ProcessingMode {
	case models.ModeDownmix:
		path, err := p.extractor.Downmix(ctx, mediaPath, workDir)
		if err != nil {
			return executeOutcome{}, fmt.Errorf("downmix: %w", err)
		}
		res, err := p.engine.Transcribe(ctx, path, params)
		if err != nil {
			return executeOutcome{}, err
		}
		tracks = append(tracks, merge.Tag(res.Segments, models.TrackSourceDownmix))
		language = res.Language

	case models.ModeSelect:
		path, err := p.extractor.Track(ctx, mediaPath, *job.TrackIndex, workDir)
		if err != nil {
			return executeOutcome{}, fmt.Errorf("extract track %d: %w", *job.TrackIndex, err)
		}
		res, err := p.engine.Transcribe(ctx, path, params)
		if err != nil {
			return executeOutcome{}, err
		}
		tracks = append(tracks, merge.Tag(res.Segments, strconv.Itoa(*job.TrackIndex)))
		language = res.Language

	case models.ModeMultitrack:
		// Tracks run sequentially; the gaps between them are the safe
		// cancellation checkpoints. Any single track failure fails the
		// whole job.
		for i := 0; i < info.AudioTracks; i++ {
			if i > 0 {
				if cancelled, err := p.checkpointCancelled(ctx, job); err != nil || cancelled {
					return executeOutcome{cancelled: cancelled}, err
				}
			}
			path, err := p.extractor.Track(ctx, mediaPath, i, workDir)
			if err != nil {
				return executeOutcome{}, fmt.Errorf("extract track %d: %w", i, err)
			}
			res, err := p.engine.Transcribe(ctx, path, params)
			if err != nil {
				return executeOutcome{}, fmt.Errorf("track %d: %w", i, err)
			}
			tracks = append(tracks, merge.Tag(res.Segments, strconv.Itoa(i)))
			if language == "" {
				language = res.Language
			}
		}

	default:
		return executeOutcome{}, validationErr(fmt.Sprintf("unknown processing mode %q", job.ProcessingMode), nil)
	}

	merged := merge.Timeline(tracks...)
	result := &models.TranscriptionResult{
		Text:             merge.FullText(merged),
		DetectedLanguage: language,
		Confidence:       merge.MeanConfidence(merged),
		Segments:         merged,
	}
	log.Debug().Int("segments", len(merged)).Msg("timeline merged")
	return executeOutcome{result: result, mediaDuration: info.DurationSeconds}, nil
}

// checkpointCancelled re-reads the cooperative cancellation flag. There
// is no hard interrupt of in-progress inference; this runs only between
// pipeline stages.
func (p *Processor) checkpointCancelled(ctx context.Context, job *models.Job) (bool, error) {
	current, err := p.store.GetJob(ctx, job.TenantID, job.ID)
	if err != nil {
		return false, fmt.Errorf("read cancellation flag: %w", err)
	}
	return current.CancelRequested, nil
}

func (p *Processor) cancel(ctx context.Context, job models.Job, expected string, log zerolog.Logger) string {
	completed := time.Now().UTC()
	_, err := p.store.Transition(ctx, job.ID, expected, models.StatusCancelled, store.TransitionFields{
		CompletedAt: &completed,
		ClearWorker: true,
		ClearLease:  true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("cancel transition failed")
		return job.Status
	}
	telemetry.JobsCancelled.Inc()
	log.Info().Msg("job cancelled")
	return models.StatusCancelled
}

// failOrRetry applies the retry policy: transient errors requeue with
// exponential backoff until the budget runs out, everything else is
// terminal.
func (p *Processor) failOrRetry(ctx context.Context, job models.Job, jobErr *models.JobError, log zerolog.Logger) string {
	if jobErr.Kind == models.ErrKindTransient {
		if job.RetryCount >= job.MaxRetries {
			return p.fail(ctx, job, job.Status, &models.JobError{
				Kind:    models.ErrKindRetryExhausted,
				Message: "retry budget exhausted",
				Detail:  jobErr.Message + ": " + jobErr.Detail,
			}, log)
		}

		retryCount := job.RetryCount + 1
		notBefore := time.Now().UTC().Add(backoffWithJitter(p.cfg.BackoffBase, p.cfg.BackoffMax, retryCount))
		_, err := p.store.Transition(ctx, job.ID, job.Status, models.StatusPending, store.TransitionFields{
			RetryCount:  &retryCount,
			NotBefore:   &notBefore,
			ClearWorker: true,
			ClearLease:  true,
			AppendErrorHistory: &models.ErrorHistoryEntry{
				Attempt:   job.RetryCount,
				Timestamp: time.Now().UTC(),
				Error:     *jobErr,
			},
		})
		if errors.Is(err, store.ErrConflict) {
			telemetry.StaleResults.Inc()
			return job.Status
		}
		if err != nil {
			log.Error().Err(err).Msg("requeue failed")
			return job.Status
		}
		telemetry.JobsRetried.Inc()
		log.Warn().
			Int("retry_count", retryCount).
			Time("not_before", notBefore).
			Str("error", jobErr.Message).
			Msg("transient failure, requeued")
		return models.StatusPending
	}

	return p.fail(ctx, job, job.Status, jobErr, log)
}

func (p *Processor) fail(ctx context.Context, job models.Job, expected string, jobErr *models.JobError, log zerolog.Logger) string {
	completed := time.Now().UTC()
	_, err := p.store.Transition(ctx, job.ID, expected, models.StatusFailed, store.TransitionFields{
		Error:       jobErr,
		CompletedAt: &completed,
		ClearWorker: true,
		ClearLease:  true,
		AppendErrorHistory: &models.ErrorHistoryEntry{
			Attempt:   job.RetryCount,
			Timestamp: completed,
			Error:     *jobErr,
		},
	})
	if errors.Is(err, store.ErrConflict) {
		telemetry.StaleResults.Inc()
		return job.Status
	}
	if err != nil {
		log.Error().Err(err).Msg("record failure failed")
		return job.Status
	}
	telemetry.JobsFailed.Inc()
	log.Error().Str("kind", jobErr.Kind).Str("error", jobErr.Message).Msg("job failed")
	return models.StatusFailed
}

// startHeartbeat renews the lease until stopped. Losing the lease (CAS
// conflict on renewal) cancels the job context so in-flight work stops
// at its next suspension point.
func (p *Processor) startHeartbeat(ctx context.Context, jobID, workerID string, onLost context.CancelFunc) func() {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = p.cfg.LeaseDuration / 3
	}
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := p.store.ExtendLease(ctx, jobID, workerID, p.cfg.LeaseDuration); err != nil {
					if errors.Is(err, store.ErrConflict) {
						telemetry.LeaseReclaims.Inc()
						onLost()
						return
					}
					p.log.Warn().Err(err).Str("job_id", jobID).Msg("lease renewal failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// backoffWithJitter computes the retry delay for the given attempt:
// exponential in the attempt number, capped, with half the window
// randomized to spread out concurrent re-claims.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
