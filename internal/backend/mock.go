package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"transcription-service/internal/models"
)

// Mock returns deterministic canned output for a given input fingerprint,
// so the dispatch and merge engines can be tested without a real model.
type Mock struct {
	// Canned maps a substring of the audio path to a fixed result.
	Canned map[string]TrackResult
	// Fail maps a substring of the audio path to an error to return.
	Fail map[string]error
}

var _ Backend = (*Mock)(nil)

// NewMock builds a mock engine with no canned results; unknown inputs
// get a synthesized two-segment transcript derived from the fingerprint.
func NewMock() *Mock {
	return &Mock{Canned: map[string]TrackResult{}, Fail: map[string]error{}}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Transcribe(_ context.Context, audioPath string, _ Params) (TrackResult, error) {
	for key, err := range m.Fail {
		if strings.Contains(audioPath, key) {
			return TrackResult{}, err
		}
	}
	for key, res := range m.Canned {
		if strings.Contains(audioPath, key) {
			return cloneResult(res), nil
		}
	}

	// Deterministic synthesis: the same path always yields the same
	// transcript, text included.
	h := fnv.New32a()
	_, _ = h.Write([]byte(audioPath))
	fp := h.Sum32()
	return TrackResult{
		Language:        "en",
		DurationSeconds: 10,
		Segments: []models.Segment{
			{Start: 0, End: 5, Text: fmt.Sprintf("mock transcript %08x part one", fp), Confidence: 0.95},
			{Start: 5, End: 10, Text: fmt.Sprintf("mock transcript %08x part two", fp), Confidence: 0.92},
		},
	}, nil
}

func (m *Mock) Capabilities() Capabilities {
	return Capabilities{SupportsWordTimestamps: true, SupportsLanguageDetection: true}
}

func (m *Mock) HealthCheck(context.Context) string { return HealthOK }

func cloneResult(res TrackResult) TrackResult {
	out := res
	out.Segments = append([]models.Segment(nil), res.Segments...)
	return out
}
