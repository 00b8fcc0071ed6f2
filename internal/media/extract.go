package media

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Extractor produces 16 kHz mono WAV inputs for the transcription
// engines from a media source.
type Extractor interface {
	// Downmix collapses every audio track into a single mono stream.
	Downmix(ctx context.Context, src, destDir string) (string, error)
	// Track extracts one audio track by index.
	Track(ctx context.Context, src string, index int, destDir string) (string, error)
}

// FFmpeg shells out to ffmpeg for extraction.
type FFmpeg struct {
	binary string
}

var _ Extractor = (*FFmpeg)(nil)

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{binary: "ffmpeg"}
}

func (e *FFmpeg) Downmix(ctx context.Context, src, destDir string) (string, error) {
	out := wavPath(src, destDir, "downmix")
	args := []string{
		"-y", "-i", src,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	}
	if err := e.run(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

func (e *FFmpeg) Track(ctx context.Context, src string, index int, destDir string) (string, error) {
	out := wavPath(src, destDir, fmt.Sprintf("track%d", index))
	args := []string{
		"-y", "-i", src,
		"-map", fmt.Sprintf("0:a:%d", index),
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	}
	if err := e.run(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

func (e *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %s", lastLine(out))
	}
	return nil
}

func wavPath(src, destDir, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(destDir, base+"_"+suffix+"_16k.wav")
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
