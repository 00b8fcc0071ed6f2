package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"transcription-service/internal/models"
)

// Remote sends audio to an accelerated transcription API speaking the
// multipart audio/transcriptions protocol. Safe for concurrent use.
type Remote struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ Backend = (*Remote)(nil)

// NewRemote builds the engine against baseURL (e.g. a GPU inference
// service) with a bearer key.
func NewRemote(baseURL, apiKey, model string, timeout time.Duration) *Remote {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Remote{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Name() string { return "remote" }

type remoteResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"segments"`
}

func (r *Remote) Transcribe(ctx context.Context, audioPath string, params Params) (TrackResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return TrackResult{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	model := r.model
	if params.Quality != "" {
		model = params.Quality
	}
	if err := mw.WriteField("model", model); err != nil {
		return TrackResult{}, err
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return TrackResult{}, err
	}
	if params.Language != "" {
		if err := mw.WriteField("language", params.Language); err != nil {
			return TrackResult{}, err
		}
	}
	if err := mw.WriteField("word_timestamps", strconv.FormatBool(params.WordTimestamps)); err != nil {
		return TrackResult{}, err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return TrackResult{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return TrackResult{}, fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return TrackResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return TrackResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return TrackResult{}, Transient(fmt.Errorf("call remote engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TrackResult{}, Transient(fmt.Errorf("remote engine http %d: %s", resp.StatusCode, string(b)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TrackResult{}, fmt.Errorf("remote engine http %d: %s", resp.StatusCode, string(b))
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TrackResult{}, fmt.Errorf("decode remote response: %w", err)
	}

	res := TrackResult{Language: parsed.Language, DurationSeconds: parsed.Duration}
	for _, seg := range parsed.Segments {
		res.Segments = append(res.Segments, models.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: seg.Confidence,
		})
	}
	if len(res.Segments) == 0 && parsed.Text != "" {
		res.Segments = append(res.Segments, models.Segment{
			Start: 0,
			End:   parsed.Duration,
			Text:  parsed.Text,
		})
	}
	return res, nil
}

func (r *Remote) Capabilities() Capabilities {
	return Capabilities{SupportsWordTimestamps: false, SupportsLanguageDetection: true}
}

func (r *Remote) HealthCheck(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return HealthDown
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return HealthDown
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return HealthDown
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return HealthDegraded
	}
	return HealthOK
}
