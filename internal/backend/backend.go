// Package backend holds the pluggable transcription engines. The variant
// set is closed: engines are resolved once at startup from a config
// string, never by runtime reflection.
package backend

import (
	"context"
	"errors"
	"sync"

	"transcription-service/internal/models"
)

// Health states reported by HealthCheck.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Params carries per-invocation transcription options.
type Params struct {
	Language       string
	WordTimestamps bool
	Quality        string
}

// TrackResult is the output of transcribing one audio track. Segments
// carry no track_source yet; the caller tags them before merging.
type TrackResult struct {
	Segments        []models.Segment
	Language        string
	DurationSeconds float64
}

// Capabilities describes what a concrete engine can do.
type Capabilities struct {
	SupportsWordTimestamps    bool
	SupportsLanguageDetection bool
}

// Backend is one concrete transcription engine. Implementations must be
// safe for concurrent use, or be wrapped with Serialize.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string, params Params) (TrackResult, error)
	Capabilities() Capabilities
	HealthCheck(ctx context.Context) string
}

// transientError marks an engine failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true. Engines use it for
// failures worth retrying (busy engine, upstream 5xx, network).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by an engine.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// serialized wraps an engine that is not internally thread-safe so only
// one job executes on it at a time. Other loaded engines still run in
// parallel.
type serialized struct {
	mu    sync.Mutex
	inner Backend
}

// Serialize returns b wrapped with per-engine mutual exclusion.
func Serialize(b Backend) Backend {
	return &serialized{inner: b}
}

func (s *serialized) Name() string { return s.inner.Name() }

func (s *serialized) Transcribe(ctx context.Context, audioPath string, params Params) (TrackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return TrackResult{}, err
	}
	return s.inner.Transcribe(ctx, audioPath, params)
}

func (s *serialized) Capabilities() Capabilities { return s.inner.Capabilities() }

func (s *serialized) HealthCheck(ctx context.Context) string { return s.inner.HealthCheck(ctx) }
