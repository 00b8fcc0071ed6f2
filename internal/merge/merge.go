// Package merge combines independently transcribed per-track segment
// sequences into one chronologically ordered timeline. Ordering by start
// timestamp with a per-track tie-break gives natural speaker separation
// by track without computing speaker identity.
package merge

import (
	"sort"
	"strconv"
	"strings"

	"transcription-service/internal/models"
)

// Timeline merges per-track segment sequences into a single sequence
// ordered ascending by start, ties broken by ascending track_source with
// the downmix sentinel last. The merge is stable: segments of one track
// keep their relative order.
func Timeline(tracks ...[]models.Segment) []models.Segment {
	var total int
	for _, t := range tracks {
		total += len(t)
	}
	merged := make([]models.Segment, 0, total)
	for _, t := range tracks {
		merged = append(merged, t...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Start != merged[j].Start {
			return merged[i].Start < merged[j].Start
		}
		return trackSourceLess(merged[i].TrackSource, merged[j].TrackSource)
	})
	return merged
}

// Tag sets track_source on every segment of one track's output.
func Tag(segments []models.Segment, trackSource string) []models.Segment {
	for i := range segments {
		segments[i].TrackSource = trackSource
	}
	return segments
}

// FullText joins segment texts in timeline order.
func FullText(segments []models.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// MeanConfidence averages segment confidences; zero when empty.
func MeanConfidence(segments []models.Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range segments {
		sum += seg.Confidence
	}
	return sum / float64(len(segments))
}

// trackSourceLess orders numeric track indexes ascending and sorts the
// downmix sentinel after every index.
func trackSourceLess(a, b string) bool {
	ai, aNum := parseTrackSource(a)
	bi, bNum := parseTrackSource(b)
	switch {
	case aNum && bNum:
		return ai < bi
	case aNum:
		return true
	case bNum:
		return false
	default:
		return a < b
	}
}

func parseTrackSource(s string) (int, bool) {
	if s == models.TrackSourceDownmix {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
