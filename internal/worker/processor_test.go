package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/media"
	"transcription-service/internal/models"
	"transcription-service/internal/store"
)

type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, destDir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(destDir, "media.mkv")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeProber struct {
	info media.Info
	err  error
}

func (p *fakeProber) Probe(context.Context, string) (media.Info, error) {
	return p.info, p.err
}

type fakeExtractor struct{}

func (fakeExtractor) Downmix(_ context.Context, _ string, destDir string) (string, error) {
	return filepath.Join(destDir, "downmix.wav"), nil
}

func (fakeExtractor) Track(_ context.Context, _ string, index int, destDir string) (string, error) {
	return filepath.Join(destDir, fmt.Sprintf("track%d.wav", index)), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		WorkerCount:        1,
		WorkerPollInterval: time.Millisecond,
		ClaimBatchSize:     1,
		LeaseDuration:      time.Minute,
		HeartbeatInterval:  time.Hour,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		WorkDir:            t.TempDir(),
	}
}

type fixture struct {
	store   *store.Memory
	engine  *backend.Mock
	fetcher *fakeFetcher
	prober  *fakeProber
	proc    *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		engine:  backend.NewMock(),
		fetcher: &fakeFetcher{},
		prober:  &fakeProber{info: media.Info{AudioTracks: 2, DurationSeconds: 42}},
	}
	f.proc = New(testConfig(t), f.store, f.engine, f.fetcher, f.prober, fakeExtractor{}, "w", zerolog.Nop())
	return f
}

func (f *fixture) submit(t *testing.T, p store.CreateJobParams) models.Job {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = "acme"
	}
	if p.MediaURL == "" {
		p.MediaURL = "https://example.com/a.mkv"
	}
	job, err := f.store.CreateJob(context.Background(), p)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *fixture) claimOne(t *testing.T) models.Job {
	t.Helper()
	jobs, err := f.store.Claim(context.Background(), "w-0", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func (f *fixture) reload(t *testing.T, job models.Job) models.Job {
	t.Helper()
	got, err := f.store.GetJob(context.Background(), job.TenantID, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return got
}

func TestProcessDownmixSuccess(t *testing.T) {
	f := newFixture(t)
	f.submit(t, store.CreateJobParams{ProcessingMode: models.ModeDownmix})
	claimed := f.claimOne(t)

	status := f.proc.processClaimed(context.Background(), "w-0", claimed)
	if status != models.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", status)
	}

	got := f.reload(t, claimed)
	if got.Status != models.StatusSucceeded {
		t.Fatalf("stored status = %q", got.Status)
	}
	if got.Result == nil || len(got.Result.Segments) == 0 {
		t.Fatal("no result stored")
	}
	for _, seg := range got.Result.Segments {
		if seg.TrackSource != models.TrackSourceDownmix {
			t.Errorf("segment track_source = %q, want downmix", seg.TrackSource)
		}
	}
	if got.Result.DetectedLanguage != "en" {
		t.Errorf("language = %q, want en", got.Result.DetectedLanguage)
	}
	if got.MediaDurationSeconds == nil || *got.MediaDurationSeconds != 42 {
		t.Errorf("media_duration = %v, want 42", got.MediaDurationSeconds)
	}
	if got.ProcessingTimeSeconds == nil {
		t.Error("processing_time not recorded")
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("started_at/completed_at not recorded")
	}
	if got.WorkerID != nil || got.LeaseExpiresAt != nil {
		t.Error("terminal job kept worker/lease")
	}
}

func TestProcessSelectTranscribesRequestedTrack(t *testing.T) {
	f := newFixture(t)
	f.engine.Canned["track1"] = backend.TrackResult{
		Language: "en",
		Segments: []models.Segment{{Start: 0, End: 3, Text: "only track one"}},
	}
	idx := 1
	f.submit(t, store.CreateJobParams{ProcessingMode: models.ModeSelect, TrackIndex: &idx})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", status)
	}

	got := f.reload(t, claimed)
	if got.Result.Text != "only track one" {
		t.Errorf("text = %q", got.Result.Text)
	}
	if got.Result.Segments[0].TrackSource != "1" {
		t.Errorf("track_source = %q, want 1", got.Result.Segments[0].TrackSource)
	}
}

func TestProcessSelectOutOfRangeFailsBeforeRunning(t *testing.T) {
	f := newFixture(t)
	idx := 5
	f.submit(t, store.CreateJobParams{ProcessingMode: models.ModeSelect, TrackIndex: &idx})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}

	got := f.reload(t, claimed)
	if got.Error == nil || got.Error.Kind != models.ErrKindValidation {
		t.Fatalf("error = %+v, want validation kind", got.Error)
	}
	if got.RetryCount != 0 {
		t.Errorf("validation failure retried: retry_count = %d", got.RetryCount)
	}
	if got.StartedAt != nil {
		t.Error("invalid job reached running")
	}
}

func TestProcessMultitrackMergesTimeline(t *testing.T) {
	f := newFixture(t)
	f.engine.Canned["track0"] = backend.TrackResult{
		Language: "en",
		Segments: []models.Segment{
			{Start: 0, End: 5, Text: "hello", Confidence: 0.9},
			{Start: 10, End: 15, Text: "goodbye", Confidence: 0.9},
		},
	}
	f.engine.Canned["track1"] = backend.TrackResult{
		Language: "en",
		Segments: []models.Segment{{Start: 2, End: 8, Text: "hi there", Confidence: 0.8}},
	}
	f.submit(t, store.CreateJobParams{ProcessingMode: models.ModeMultitrack})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", status)
	}

	got := f.reload(t, claimed)
	if got.Result.Text != "hello hi there goodbye" {
		t.Errorf("merged text = %q", got.Result.Text)
	}
	sources := make([]string, 0, len(got.Result.Segments))
	for _, seg := range got.Result.Segments {
		sources = append(sources, seg.TrackSource)
	}
	if len(sources) != 3 || sources[0] != "0" || sources[1] != "1" || sources[2] != "0" {
		t.Errorf("segment sources = %v, want [0 1 0]", sources)
	}
}

func TestMultitrackSingleTrackFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.engine.Fail["track1"] = errors.New("decode error")
	f.submit(t, store.CreateJobParams{ProcessingMode: models.ModeMultitrack})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	got := f.reload(t, claimed)
	if got.Error == nil || got.Error.Kind != models.ErrKindBackendFault {
		t.Fatalf("error = %+v, want backend_fault", got.Error)
	}
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("connection reset")
	f.submit(t, store.CreateJobParams{})
	claimed := f.claimOne(t)

	before := time.Now().UTC()
	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusPending {
		t.Fatalf("status = %q, want pending", status)
	}

	got := f.reload(t, claimed)
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if !got.NotBefore.After(before) {
		t.Error("not_before not pushed into the future")
	}
	if got.WorkerID != nil || got.LeaseExpiresAt != nil {
		t.Error("requeued job kept worker/lease")
	}
	if len(got.ErrorHistory) != 1 || got.ErrorHistory[0].Error.Kind != models.ErrKindTransient {
		t.Errorf("error_history = %+v", got.ErrorHistory)
	}
	if got.Error != nil {
		t.Error("requeued job has a terminal error set")
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("connection reset")
	job := f.submit(t, store.CreateJobParams{MaxRetries: 3})

	clock := time.Now().UTC()
	f.store.SetClock(func() time.Time { return clock })

	var last string
	for attempt := 0; attempt < 4; attempt++ {
		clock = clock.Add(time.Hour)
		f.store.SetClock(func() time.Time { return clock })
		claimed := f.claimOne(t)
		last = f.proc.processClaimed(context.Background(), "w-0", claimed)
	}

	if last != models.StatusFailed {
		t.Fatalf("final status = %q, want failed", last)
	}
	got := f.reload(t, job)
	if got.Error == nil || got.Error.Kind != models.ErrKindRetryExhausted {
		t.Fatalf("error = %+v, want retry_exhausted", got.Error)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}
	if f.fetcher.calls != 4 {
		t.Errorf("fetch attempts = %d, want 4", f.fetcher.calls)
	}
	if len(got.ErrorHistory) != 4 {
		t.Errorf("error_history = %d entries, want 4", len(got.ErrorHistory))
	}
}

func TestCancelRequestedBeforeStart(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, store.CreateJobParams{})
	claimed := f.claimOne(t)

	// Flag lands after the claim but before the worker starts.
	if _, err := f.store.RequestCancel(context.Background(), job.TenantID, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", status)
	}
	got := f.reload(t, job)
	if got.Status != models.StatusCancelled {
		t.Fatalf("stored status = %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("cancelled job missing completed_at")
	}
	if got.Result != nil || got.Error != nil {
		t.Error("cancelled job carries result or error")
	}
}

func TestSHA256MismatchIsValidationFailure(t *testing.T) {
	f := newFixture(t)
	f.submit(t, store.CreateJobParams{
		MediaSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
	})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	got := f.reload(t, claimed)
	if got.Error == nil || got.Error.Kind != models.ErrKindValidation {
		t.Fatalf("error = %+v, want validation", got.Error)
	}
}

func TestSupersededClaimDiscardsWork(t *testing.T) {
	f := newFixture(t)
	f.submit(t, store.CreateJobParams{})
	claimed := f.claimOne(t)

	// Simulate a reclaim that already advanced the job elsewhere.
	if _, err := f.store.Transition(context.Background(), claimed.ID, models.StatusClaimed, models.StatusRunning, store.TransitionFields{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	status := f.proc.processClaimed(context.Background(), "w-0", claimed)
	if status != models.StatusClaimed {
		t.Fatalf("status = %q, want the stale claim reported unchanged", status)
	}
	got := f.reload(t, claimed)
	if got.Status != models.StatusRunning {
		t.Errorf("stored status = %q, stale worker must not touch it", got.Status)
	}
	if got.Error != nil {
		t.Error("stale claim recorded an error")
	}
}

// haltedEngine blocks until the job context ends, like an inference run
// interrupted by process shutdown.
type haltedEngine struct {
	*backend.Mock
}

func (haltedEngine) Transcribe(ctx context.Context, _ string, _ backend.Params) (backend.TrackResult, error) {
	<-ctx.Done()
	return backend.TrackResult{}, ctx.Err()
}

func TestShutdownLeavesJobForLeaseRecovery(t *testing.T) {
	f := newFixture(t)
	f.proc.engine = haltedEngine{f.engine}

	clock := time.Now().UTC()
	f.store.SetClock(func() time.Time { return clock })
	job := f.submit(t, store.CreateJobParams{})
	claimed := f.claimOne(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.proc.processClaimed(ctx, "w-0", claimed)

	// A stopped worker is not a backend fault: the job keeps its lease
	// and no terminal state or error is recorded.
	got := f.reload(t, job)
	if got.Status == models.StatusFailed {
		t.Fatalf("shutdown failed a healthy job: %+v", got.Error)
	}
	if got.Error != nil {
		t.Errorf("shutdown recorded error %+v", got.Error)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 until reclaim", got.RetryCount)
	}
	if got.LeaseExpiresAt == nil {
		t.Fatal("lease cleared, job unreachable for recovery")
	}

	// Lease expiry hands the job to the next worker with retry_count+1.
	clock = clock.Add(2 * time.Minute)
	f.store.SetClock(func() time.Time { return clock })
	reclaimed, err := f.store.Claim(context.Background(), "w-1", 1, time.Minute)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim after shutdown: %v (%d jobs)", err, len(reclaimed))
	}
	if reclaimed[0].RetryCount != 1 {
		t.Errorf("reclaim retry_count = %d, want 1", reclaimed[0].RetryCount)
	}
}

func TestBackendTransientErrorRetries(t *testing.T) {
	f := newFixture(t)
	f.engine.Fail["downmix"] = backend.Transient(errors.New("engine busy"))
	f.submit(t, store.CreateJobParams{})
	claimed := f.claimOne(t)

	if status := f.proc.processClaimed(context.Background(), "w-0", claimed); status != models.StatusPending {
		t.Fatalf("status = %q, want pending", status)
	}
	got := f.reload(t, claimed)
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
}

func TestClassify(t *testing.T) {
	if kind := classify(validationErr("bad input", nil)).Kind; kind != models.ErrKindValidation {
		t.Errorf("validation classified as %q", kind)
	}
	if kind := classify(backend.Transient(errors.New("busy"))).Kind; kind != models.ErrKindTransient {
		t.Errorf("transient classified as %q", kind)
	}
	if kind := classify(errors.New("segfault")).Kind; kind != models.ErrKindBackendFault {
		t.Errorf("unknown error classified as %q", kind)
	}
}

func TestBackoffWithJitterRange(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		exp := base << (attempt - 1)
		if exp > max || exp < 0 {
			exp = max
		}
		if d < exp/2 || d > exp {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, exp/2, exp)
		}
	}
	if d := backoffWithJitter(base, max, 0); d != base {
		t.Errorf("attempt 0 backoff = %v, want base", d)
	}
}

func TestActivityClaimAndRun(t *testing.T) {
	f := newFixture(t)
	activity := NewActivity(f.proc)
	job := f.submit(t, store.CreateJobParams{})

	status, err := activity.ClaimAndRun(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("claim and run: %v", err)
	}
	if status != models.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", status)
	}

	// Terminal jobs are not eligible for another delivery.
	if _, err := activity.ClaimAndRun(context.Background(), job.ID); err == nil {
		t.Fatal("terminal job claimed again")
	}
}
