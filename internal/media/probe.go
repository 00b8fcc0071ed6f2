package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info describes the audio layout of a media source.
type Info struct {
	AudioTracks     int
	DurationSeconds float64
}

// Prober inspects a media file's track layout.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FFProbe shells out to ffprobe for stream metadata.
type FFProbe struct {
	binary string
}

var _ Prober = (*FFProbe)(nil)

func NewFFProbe() *FFProbe {
	return &FFProbe{binary: "ffprobe"}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *FFProbe) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-show_streams", "-show_format",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return Info{}, fmt.Errorf("ffprobe: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return Info{}, fmt.Errorf("run ffprobe: %w", err)
	}
	return ParseProbeOutput(out)
}

// ParseProbeOutput decodes ffprobe -of json output into Info.
func ParseProbeOutput(raw []byte) (Info, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	info := Info{}
	for _, stream := range parsed.Streams {
		if stream.CodecType == "audio" {
			info.AudioTracks++
		}
	}
	if parsed.Format.Duration != "" {
		d, err := strconv.ParseFloat(parsed.Format.Duration, 64)
		if err != nil {
			return Info{}, fmt.Errorf("parse media duration %q: %w", parsed.Format.Duration, err)
		}
		info.DurationSeconds = d
	}
	return info, nil
}
