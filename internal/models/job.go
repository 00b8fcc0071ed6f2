package models

import (
	"time"
)

// Job lifecycle states persisted in the job store.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Processing modes for multi-channel media.
const (
	ModeDownmix    = "downmix"
	ModeSelect     = "select"
	ModeMultitrack = "multitrack"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether status belongs to the closed enumeration.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusClaimed, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidMode reports whether mode belongs to the closed enumeration.
func ValidMode(mode string) bool {
	switch mode {
	case ModeDownmix, ModeSelect, ModeMultitrack:
		return true
	}
	return false
}

// Job is one transcription request persisted in the job store.
type Job struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Status         string  `json:"status"`
	MediaURL       string  `json:"media_url"`
	MediaSHA256    *string `json:"media_sha256,omitempty"`
	ProcessingMode string  `json:"processing_mode"`
	TrackIndex     *int    `json:"track_index,omitempty"`

	Options JobOptions `json:"options"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	WorkerID        *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	NotBefore       time.Time  `json:"not_before"`
	CancelRequested bool       `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error        *JobError            `json:"error,omitempty"`
	ErrorHistory []ErrorHistoryEntry  `json:"error_history,omitempty"`
	Result       *TranscriptionResult `json:"result,omitempty"`

	MediaDurationSeconds  *float64 `json:"media_duration_seconds,omitempty"`
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

// JobOptions carries optional transcription parameters from submission.
type JobOptions struct {
	Language       string `json:"language,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
	Quality        string `json:"quality,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

// Error kinds recorded on failed jobs.
const (
	ErrKindValidation     = "validation"
	ErrKindTransient      = "transient"
	ErrKindBackendFault   = "backend_fault"
	ErrKindRetryExhausted = "retry_exhausted"
)

// JobError is the structured error stored on a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *JobError) Error() string {
	if e.Detail != "" {
		return e.Kind + ": " + e.Message + ": " + e.Detail
	}
	return e.Kind + ": " + e.Message
}

// ErrorHistoryEntry records one failed attempt.
type ErrorHistoryEntry struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     JobError  `json:"error"`
}

// TrackSourceDownmix tags segments produced from a downmixed stream.
// It sorts after any numeric track index when merging.
const TrackSourceDownmix = "downmix"

// Segment is a timestamped span of transcribed text within one track
// or the merged timeline.
type Segment struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	TrackSource string  `json:"track_source"`
	Confidence  float64 `json:"confidence"`
	Words       []Word  `json:"words,omitempty"`
}

// Word is a word-level timestamp within a segment.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// TranscriptionResult is the stored output of a succeeded job.
type TranscriptionResult struct {
	Text             string    `json:"text"`
	DetectedLanguage string    `json:"detected_language"`
	Confidence       float64   `json:"confidence"`
	Segments         []Segment `json:"segments"`
}

// UsageSummary aggregates per-tenant usage over a time window.
type UsageSummary struct {
	TenantID               string    `json:"tenant_id"`
	WindowStart            time.Time `json:"window_start"`
	WindowEnd              time.Time `json:"window_end"`
	TotalJobs              int64     `json:"total_jobs"`
	SucceededJobs          int64     `json:"succeeded_jobs"`
	FailedJobs             int64     `json:"failed_jobs"`
	MediaSecondsProcessed  float64   `json:"media_seconds_processed"`
	ProcessingSecondsTotal float64   `json:"processing_seconds_total"`
}
