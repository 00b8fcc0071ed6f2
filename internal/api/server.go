package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"transcription-service/internal/auth"
	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/models"
	"transcription-service/internal/ratelimit"
	"transcription-service/internal/store"
	"transcription-service/internal/telemetry"
)

// Server wires the tenant-facing submission and query API. It only ever
// writes the initial pending row and reads job state; execution belongs
// to the worker service.
type Server struct {
	cfg      config.Config
	store    store.Store
	limiter  *ratelimit.TenantBucket
	registry *backend.Registry
	tenants  *auth.TenantExtractor
	log      zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, limiter *ratelimit.TenantBucket, registry *backend.Registry, tenants *auth.TenantExtractor, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		limiter:  limiter,
		registry: registry,
		tenants:  tenants,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/usage", s.handleUsage)
	return r
}

type submitRequest struct {
	MediaURL       string `json:"media_url"`
	MediaSHA256    string `json:"media_sha256,omitempty"`
	ProcessingMode string `json:"processing_mode,omitempty"`
	TrackIndex     *int   `json:"track_index,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`

	Language       string `json:"language,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
	Quality        string `json:"quality,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := validateSubmit(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenantID)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	mode := req.ProcessingMode
	if mode == "" {
		mode = models.ModeDownmix
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		TenantID:       tenantID,
		MediaURL:       req.MediaURL,
		MediaSHA256:    req.MediaSHA256,
		ProcessingMode: mode,
		TrackIndex:     req.TrackIndex,
		MaxRetries:     req.MaxRetries,
		Options: models.JobOptions{
			Language:       req.Language,
			WordTimestamps: req.WordTimestamps,
			Quality:        req.Quality,
			MediaType:      req.MediaType,
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	telemetry.JobsSubmitted.Inc()
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("job_id", job.ID).
		Str("mode", job.ProcessingMode).
		Msg("job submitted")
	writeJSON(w, http.StatusCreated, job)
}

func validateSubmit(req submitRequest) string {
	if req.MediaURL == "" {
		return "media_url is required"
	}
	parsed, err := url.Parse(req.MediaURL)
	if err != nil {
		return "media_url is not a valid URL"
	}
	switch parsed.Scheme {
	case "http", "https", "s3":
	default:
		return "media_url scheme must be http, https or s3"
	}

	if req.MaxRetries < 0 {
		return "max_retries must be non-negative"
	}

	mode := req.ProcessingMode
	if mode != "" && !models.ValidMode(mode) {
		return "processing_mode must be downmix, select or multitrack"
	}
	if mode == models.ModeSelect {
		if req.TrackIndex == nil {
			return "track_index is required for select mode"
		}
		if *req.TrackIndex < 0 {
			return "track_index must be non-negative"
		}
	} else if req.TrackIndex != nil {
		return "track_index is only valid with select mode"
	}
	return ""
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	job, err := s.store.GetJob(r.Context(), tenantID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs   []models.Job `json:"jobs"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	filter := store.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	jobs, total, err := s.store.ListJobs(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	job, err := s.store.RequestCancel(r.Context(), tenantID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.log.Info().Str("tenant_id", tenantID).Str("job_id", job.ID).Msg("cancel requested")
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	until := time.Now().UTC()
	summary, err := s.store.TenantUsage(r.Context(), tenantID, until.Add(-window), until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregate usage failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleHealth reports availability. Only the active engine decides the
// top-level status; the rest of the loaded set is informational, so a
// missing whisper binary never takes down a deployment running mock or
// remote.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	engines := map[string]string{}
	active := ""
	if s.registry != nil {
		engines = s.registry.Health(r.Context())
		active = s.registry.ActiveKey()
		if engines[active] == backend.HealthDown {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{
		"status":  httpStatusWord(status),
		"active":  active,
		"engines": engines,
	})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// tenant resolves the caller's tenant or writes a 401. Every downstream
// store call is keyed by the returned value, which is what makes
// cross-tenant access impossible by construction.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := s.tenants.TenantFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "valid authentication required")
		return "", false
	}
	return tenantID, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
