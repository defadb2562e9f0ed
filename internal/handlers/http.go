package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/models"
)

const (
	serviceName    = "entity-correlation"
	serviceVersion = "1.0.0"
)

// Processor runs batches and looks up past runs
type Processor interface {
	Process(ctx context.Context, req engine.Request) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// Detector runs the pattern matcher over free text
type Detector interface {
	Detect(text, countryCode string) models.DetectionResult
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// DetectRequest is the body of POST /api/v1/detect
type DetectRequest struct {
	Text        string `json:"text" validate:"required_without=CountryCode,max=65536"`
	CountryCode string `json:"country_code,omitempty" validate:"omitempty,len=2,alpha"`
}

// RunSummary is returned by GET /api/v1/runs/{id}
type RunSummary struct {
	ID             string                      `json:"id"`
	Digest         string                      `json:"digest"`
	StartedAt      time.Time                   `json:"started_at"`
	DurationMS     int64                       `json:"duration_ms"`
	RecordCount    int                         `json:"record_count"`
	ClusterCount   int                         `json:"cluster_count"`
	CategoryCounts map[models.RiskCategory]int `json:"category_counts"`
	Stats          models.ResolutionStats      `json:"stats"`
	Assessments    []models.RiskAssessment     `json:"assessments"`
}

// HTTPHandler handles HTTP requests for entity correlation
type HTTPHandler struct {
	processor    Processor
	detector     Detector
	checks       map[string]HealthCheck
	maxBodyBytes int64
	validate     *validator.Validate
	logger       *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	processor Processor,
	detector Detector,
	checks map[string]HealthCheck,
	maxBodyBytes int64,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		processor:    processor,
		detector:     detector,
		checks:       checks,
		maxBodyBytes: maxBodyBytes,
		validate:     validator.New(),
		logger:       logger,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/resolve", h.Resolve).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/detect", h.Detect).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runs/{id}", h.GetRun).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
}

// Resolve clusters and scores a batch of records
func (h *HTTPHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := h.decode(w, r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "At least one record and non-empty context keys are required", err)
		return
	}

	run, err := h.processor.Process(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to process batch", zap.Int("records", len(req.Records)), zap.Error(err))
		h.writeError(w, err, "Failed to process batch")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, run)
}

// Detect runs the pattern matcher over one text
func (h *HTTPHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	req.CountryCode = strings.TrimSpace(req.CountryCode)
	if err := h.validate.Struct(req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "text or a two-letter country_code is required", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, h.detector.Detect(req.Text, req.CountryCode))
}

// GetRun returns a stored run summary
func (h *HTTPHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.processor.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrRunNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Run %s not found", id), nil)
			return
		}
		h.logger.Error("Failed to get run", zap.String("run_id", id), zap.Error(err))
		h.writeError(w, err, "Failed to get run")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, RunSummary{
		ID:             run.ID,
		Digest:         run.Digest,
		StartedAt:      run.StartedAt,
		DurationMS:     run.Duration.Milliseconds(),
		RecordCount:    run.RecordCount,
		ClusterCount:   len(run.Clusters),
		CategoryCounts: run.CategoryCounts(),
		Stats:          run.Stats,
		Assessments:    run.Assessments,
	})
}

// HealthCheck reports the service and dependency status
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Service:   serviceName,
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   serviceVersion,
	}
	for _, name := range sortedNames(h.checks) {
		dep := models.DependencyHealth{Name: name, Status: "healthy"}
		if err := h.checks[name](ctx); err != nil {
			dep.Status = "unhealthy"
			dep.Message = err.Error()
			status.Status = "degraded"
		}
		status.Dependencies = append(status.Dependencies, dep)
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, code, status)
}

// LoggingMiddleware logs HTTP requests
func (h *HTTPHandler) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// Helper methods

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	return json.NewDecoder(body).Decode(dst)
}

func (h *HTTPHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := models.APIResponse{
		Success:   statusCode < http.StatusBadRequest,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError maps configuration problems to 422 and everything else to 500
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error, message string) {
	if apperrors.IsConfigurationError(err) {
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "CONFIGURATION_ERROR", message, err)
		return
	}
	h.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", message, err)
}

func (h *HTTPHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, err error) {
	apiErr := &models.APIError{Code: code, Message: message}
	if err != nil {
		apiErr.Details = map[string]string{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := models.APIResponse{Success: false, Error: apiErr, Timestamp: time.Now().UTC()}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func sortedNames(checks map[string]HealthCheck) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
