package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"transcription-service/internal/auth"
	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/models"
	"transcription-service/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	registry, err := backend.NewRegistry(backend.RegistryConfig{Engine: backend.EngineMock})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := config.Config{MaxRetries: 3}
	// Empty secret: tenants come from the X-Tenant-ID header.
	tenants := auth.NewTenantExtractor("", "")
	return New(cfg, st, nil, registry, tenants, zerolog.Nop()), st
}

func doJSON(t *testing.T, h http.Handler, method, target, tenant string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndPoll(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "acme",
		`{"media_url":"https://example.com/call.mkv","processing_mode":"multitrack"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID == "" || job.Status != models.StatusPending {
		t.Fatalf("submitted job = %+v", job)
	}
	if job.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want config default 3", job.MaxRetries)
	}

	rec = doJSON(t, router, http.MethodGet, "/jobs/"+job.ID, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	var polled models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &polled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if polled.ID != job.ID || polled.Status != models.StatusPending {
		t.Errorf("polled job = %+v", polled)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	cases := []struct {
		name string
		body string
	}{
		{"missing media_url", `{}`},
		{"bad scheme", `{"media_url":"ftp://example.com/a.wav"}`},
		{"unknown mode", `{"media_url":"https://example.com/a.wav","processing_mode":"stereo"}`},
		{"select without track", `{"media_url":"https://example.com/a.wav","processing_mode":"select"}`},
		{"negative track", `{"media_url":"https://example.com/a.wav","processing_mode":"select","track_index":-1}`},
		{"track without select", `{"media_url":"https://example.com/a.wav","processing_mode":"downmix","track_index":1}`},
		{"negative max_retries", `{"media_url":"https://example.com/a.wav","max_retries":-1}`},
		{"invalid json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/jobs", "acme", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestMissingTenantUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/jobs", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCrossTenantReadsNotFound(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		TenantID: "acme",
		MediaURL: "https://example.com/a.wav",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/jobs/"+job.ID, "evil-corp", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get = %d, want 404", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/jobs/"+job.ID+"/cancel", "evil-corp", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant cancel = %d, want 404", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		TenantID: "acme",
		MediaURL: "https://example.com/a.wav",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/jobs/"+job.ID+"/cancel", "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	var got models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestListEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	for i := 0; i < 3; i++ {
		if _, err := st.CreateJob(context.Background(), store.CreateJobParams{
			TenantID: "acme",
			MediaURL: "https://example.com/a.wav",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/jobs?limit=2", "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Total int64        `json:"total"`
		Limit int          `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 2 || resp.Total != 3 {
		t.Errorf("page = %d jobs, total %d; want 2 and 3", len(resp.Jobs), resp.Total)
	}

	rec = doJSON(t, router, http.MethodGet, "/jobs?status=bogus", "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestTerminalGetStatusStable(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		TenantID: "acme",
		MediaURL: "https://example.com/a.wav",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Claim(ctx, "w1", 1, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.Transition(ctx, job.ID, models.StatusClaimed, models.StatusRunning, store.TransitionFields{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	completed := time.Now().UTC()
	if _, err := st.Transition(ctx, job.ID, models.StatusRunning, models.StatusSucceeded, store.TransitionFields{
		CompletedAt: &completed,
		ClearWorker: true,
		ClearLease:  true,
		Result: &models.TranscriptionResult{
			Text:             "hello",
			DetectedLanguage: "en",
			Confidence:       0.9,
			Segments:         []models.Segment{{Start: 0, End: 1, Text: "hello", TrackSource: "downmix", Confidence: 0.9}},
		},
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	first := doJSON(t, router, http.MethodGet, "/jobs/"+job.ID, "acme", "")
	second := doJSON(t, router, http.MethodGet, "/jobs/"+job.ID, "acme", "")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("get = %d/%d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("terminal job responses differ between polls")
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/usage?window=1h", "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage = %d", rec.Code)
	}
	var summary models.UsageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TenantID != "acme" {
		t.Errorf("tenant = %q", summary.TenantID)
	}

	rec = doJSON(t, router, http.MethodGet, "/usage?window=yesterday", "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	// Only the active engine decides availability; the whisper engine is
	// typically down on hosts without its binary and must not matter here.
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200 with a healthy active engine", rec.Code)
	}
	var body struct {
		Status  string            `json:"status"`
		Active  string            `json:"active"`
		Engines map[string]string `json:"engines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Active != backend.EngineMock {
		t.Errorf("active = %q, want mock", body.Active)
	}
	if body.Engines[backend.EngineMock] != backend.HealthOK {
		t.Errorf("mock engine health = %q", body.Engines[backend.EngineMock])
	}
}

func TestHealthEndpointActiveEngineDown(t *testing.T) {
	st := store.NewMemory()
	registry, err := backend.NewRegistry(backend.RegistryConfig{
		Engine:        backend.EngineCPU,
		WhisperBinary: "whisper-binary-that-does-not-exist",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv := New(config.Config{}, st, nil, registry, auth.NewTenantExtractor("", ""), zerolog.Nop())

	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503 when the active engine is down", rec.Code)
	}
}
