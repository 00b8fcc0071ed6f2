package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"transcription-service/internal/models"
)

// WhisperCPU shells out to a whisper helper process and parses its JSON
// output. One model lives in the helper's memory, so the engine is not
// reentrant; the registry wraps it with Serialize.
type WhisperCPU struct {
	binary    string
	modelSize string
	device    string
}

var _ Backend = (*WhisperCPU)(nil)

// NewWhisperCPU builds the engine. device selects "cpu" or an
// accelerator visible to the helper ("cuda").
func NewWhisperCPU(binary, modelSize, device string) *WhisperCPU {
	if binary == "" {
		binary = "whisper-transcribe"
	}
	if modelSize == "" {
		modelSize = "base"
	}
	if device == "" {
		device = "cpu"
	}
	return &WhisperCPU{binary: binary, modelSize: modelSize, device: device}
}

func (w *WhisperCPU) Name() string {
	if w.device == "cpu" {
		return "whisper-cpu"
	}
	return "whisper-" + w.device
}

type whisperOutput struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Text        string  `json:"text"`
		Confidence  float64 `json:"confidence"`
		Words       []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Word  string  `json:"word"`
		} `json:"words"`
	} `json:"segments"`
}

func (w *WhisperCPU) Transcribe(ctx context.Context, audioPath string, params Params) (TrackResult, error) {
	modelSize := w.modelSize
	if params.Quality != "" {
		modelSize = params.Quality
	}

	args := []string{
		"--audio", audioPath,
		"--model", modelSize,
		"--device", w.device,
		"--output-format", "json",
	}
	if params.Language != "" {
		args = append(args, "--language", params.Language)
	}
	if params.WordTimestamps {
		args = append(args, "--word-timestamps")
	}

	cmd := exec.CommandContext(ctx, w.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return TrackResult{}, fmt.Errorf("whisper helper: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		// Helper missing or not startable looks transient: the worker
		// may land on a host where the engine is healthy.
		return TrackResult{}, Transient(fmt.Errorf("run whisper helper: %w", err))
	}

	var parsed whisperOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return TrackResult{}, fmt.Errorf("parse whisper output: %w", err)
	}

	res := TrackResult{Language: parsed.Language, DurationSeconds: parsed.Duration}
	for _, seg := range parsed.Segments {
		s := models.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			Confidence: seg.Confidence,
		}
		for _, word := range seg.Words {
			s.Words = append(s.Words, models.Word{Start: word.Start, End: word.End, Word: word.Word})
		}
		res.Segments = append(res.Segments, s)
	}
	return res, nil
}

func (w *WhisperCPU) Capabilities() Capabilities {
	return Capabilities{SupportsWordTimestamps: true, SupportsLanguageDetection: true}
}

func (w *WhisperCPU) HealthCheck(context.Context) string {
	if _, err := exec.LookPath(w.binary); err != nil {
		return HealthDown
	}
	return HealthOK
}
