package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/config"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/observability/metrics"
)

const (
	serviceName             = "api"
	defaultMaxUploadBytes   = 50 << 20
	multipartMemoryBytes    = 8 << 20
	maxEditBodyBytes        = 1 << 20
	defaultBackpressureWait = 250 * time.Millisecond
)

type Router struct {
	uploader ports.DocumentUploader
	manager  ports.DocumentManager
	queries  ports.DocumentQueryService

	maxUploadBytes   int64
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration

	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

type Option func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) Option {
	return func(rt *Router) {
		rt.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func NewRouter(
	cfg config.Config,
	uploader ports.DocumentUploader,
	manager ports.DocumentManager,
	queries ports.DocumentQueryService,
	opts ...Option,
) *Router {
	rt := &Router{
		uploader:         uploader,
		manager:          manager,
		queries:          queries,
		maxUploadBytes:   cfg.MaxUploadBytes,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: cfg.APIBackpressureWait,
		logger:           slog.Default(),
	}
	if rt.maxUploadBytes <= 0 {
		rt.maxUploadBytes = defaultMaxUploadBytes
	}
	if rt.backpressureWait <= 0 {
		rt.backpressureWait = defaultBackpressureWait
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/patients/{patient_id}/documents", rt.submitDocument)
	api.HandleFunc("GET /v1/patients/{patient_id}/documents", rt.listDocuments)
	api.HandleFunc("GET /v1/documents/{document_id}", rt.getDocument)
	api.HandleFunc("PATCH /v1/documents/{document_id}", rt.editDocument)
	api.HandleFunc("DELETE /v1/documents/{document_id}", rt.deleteDocument)
	api.HandleFunc("POST /v1/documents/{document_id}/versions", rt.addVersion)
	api.HandleFunc("GET /v1/documents/{document_id}/versions", rt.listVersions)
	api.HandleFunc("GET /v1/documents/{document_id}/versions/{version}/content", rt.versionContent)

	var v1 http.Handler = api
	v1 = backpressureMiddleware(v1, rt.maxInFlight, rt.backpressureWait, rt.onOverloaded)
	v1 = rateLimitMiddleware(v1, rt.rateLimitRPS, rt.rateLimitBurst, rt.onRateLimited)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		root.Handle("GET /metrics", rt.metrics.Handler())
	}
	root.Handle("/v1/", v1)

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler, rt.logger)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) onRateLimited() {
	if rt.metrics != nil {
		rt.metrics.RecordRateLimited(serviceName)
	}
}

func (rt *Router) onOverloaded() {
	if rt.metrics != nil {
		rt.metrics.RecordOverloaded(serviceName)
	}
}

// writeError maps a domain error to its status. Server-side failures keep a
// generic message and are logged with the request id instead.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
