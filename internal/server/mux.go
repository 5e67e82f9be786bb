// Package server implements the HTTP surface of the media service. It plays
// the host CMS: asset documents live in the store and every upload, change,
// delete and URL request is routed through the storage adapter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/adapter"
	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/event"
	"github.com/RegistryAccord/registryaccord-media-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Token subject of the caller
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// DefaultMaxUploadSize bounds multipart bodies when Options leaves it unset.
const DefaultMaxUploadSize = 100 << 20

// multipartOverhead is allowed on top of the file size for form fields and boundaries.
const multipartOverhead = 1 << 20

// Options carry the dependencies of the HTTP surface.
type Options struct {
	Store     storage.Store
	Publisher event.Publisher
	Adapter   *adapter.Adapter
	JWKS      *jwks.Client

	JWTIssuer   string
	JWTAudience string

	MaxUploadSize      int64
	CORSAllowedOrigins []string // Empty means deny all
	Logger             *slog.Logger
}

// Mux handles HTTP requests for the media service.
type Mux struct {
	mux         *http.ServeMux
	s           storage.Store
	p           event.Publisher
	a           *adapter.Adapter
	jwksClient  *jwks.Client
	jwtIssuer   string
	jwtAudience string
	metrics     *metrics.Metrics
	logger      *slog.Logger

	maxUploadSize      int64
	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with every media endpoint registered.
func NewMux(opts Options) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  opts.Store,
		p:                  opts.Publisher,
		a:                  opts.Adapter,
		jwksClient:         opts.JWKS,
		jwtIssuer:          opts.JWTIssuer,
		jwtAudience:        opts.JWTAudience,
		metrics:            metrics.NewMetrics(),
		logger:             opts.Logger,
		maxUploadSize:      opts.MaxUploadSize,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}
	if m.p == nil {
		m.p = event.NewNoop()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.maxUploadSize <= 0 {
		m.maxUploadSize = DefaultMaxUploadSize
	}
	if m.jwksClient == nil {
		m.jwksClient = jwks.NewClient(strings.TrimSuffix(m.jwtIssuer, "/") + "/.well-known/jwks.json")
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	const c = "/v1/collections/{collection}"
	m.mux.HandleFunc(c+"/upload", m.method(http.MethodPost, m.withMiddleware(m.handleUpload)))
	m.mux.HandleFunc(c+"/assets", m.method(http.MethodGet, m.withMiddleware(m.handleListAssets)))
	m.mux.HandleFunc(c+"/assets/{id}", m.withMiddleware(m.handleAsset))
	m.mux.HandleFunc(c+"/assets/{id}/file", m.method(http.MethodGet, m.withMiddleware(m.handleAssetFile)))
	m.mux.HandleFunc(c+"/url/{filename...}", m.method(http.MethodGet, m.withMiddleware(m.handleGenerateURL)))
	m.mux.HandleFunc(c+"/signed-url/{id}", m.method(http.MethodGet, m.withMiddleware(m.handleSignedURL)))
	m.mux.HandleFunc(c+"/signed-urls", m.method(http.MethodPost, m.withMiddleware(m.handleSignedURLs)))
	m.mux.HandleFunc(c+"/upload-status", m.method(http.MethodGet, m.withMiddleware(m.handleUploadStatusList)))
	m.mux.HandleFunc(c+"/upload-status/{id}", m.method(http.MethodGet, m.withMiddleware(m.handleUploadStatus)))
	m.mux.HandleFunc(c+"/upload-cancel/{id}", m.method(http.MethodPost, m.withMiddleware(m.handleUploadCancel)))
	m.mux.HandleFunc("/v1/folders", m.method(http.MethodGet, m.withMiddleware(m.handleFolders)))

	return m.mux
}

// method ensures the HTTP method matches the expected method. Preflight
// requests pass through to the CORS middleware.
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			m.writeErrorDef(w, errordefs.New(errordefs.MEDIA_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, bearer authentication,
// request logging and HTTP metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Correlation-Id, Traceparent")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			m.observeRequest(r, rec.status, time.Since(start), correlationID)
		}()

		subject, err := m.validateJWT(r)
		if err != nil {
			errorDef, ok := errordefs.As(err)
			if !ok {
				errorDef = errordefs.New(errordefs.MEDIA_AUTHZ, err.Error(), "")
			}
			errorDef.CorrelationID = correlationID
			m.writeErrorDef(rec, errorDef)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))

		h(rec, r)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	return slices.ContainsFunc(m.corsAllowedOrigins, func(o string) bool {
		return o == "*" || o == origin
	})
}

// validateJWT validates the bearer token and returns its subject.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.MEDIA_AUTHN, "missing Authorization header", "")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", errordefs.New(errordefs.MEDIA_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.jwksClient.Validate(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	switch {
	case err == nil:
		return claims.Subject, nil
	case errors.Is(err, jwks.ErrExpired):
		return "", errordefs.New(errordefs.MEDIA_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwks.ErrInvalidIssuer):
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "invalid JWT issuer", "")
	case errors.Is(err, jwks.ErrInvalidAudience):
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "invalid JWT audience", "")
	case errors.Is(err, jwks.ErrMalformed), errors.Is(err, jwks.ErrMissingKeyID):
		return "", errordefs.New(errordefs.MEDIA_JWT_MALFORMED, err.Error(), "")
	case errors.Is(err, jwks.ErrUnknownKey):
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "failed to get key for JWT validation", "")
	case errors.Is(err, jwks.ErrBadSignature):
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "invalid JWT signature", "")
	case errors.Is(err, jwks.ErrMissingSubject):
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "missing or invalid sub claim", "")
	default:
		return "", errordefs.New(errordefs.MEDIA_JWT_INVALID, "failed to validate JWT: "+err.Error(), "")
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{"data": data})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	body := map[string]any{
		"code":          err.Code,
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	writeJSON(w, err.HTTPStatus, map[string]any{"error": body})
}

// fail maps err onto the error taxonomy and writes it. Coded errors keep
// their code; store sentinels map to 404 and 409; anything else is internal
// and only its code reaches the caller.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := correlationIDFrom(r.Context())
	def, ok := errordefs.As(err)
	switch {
	case ok:
		def = &errordefs.Error{Code: def.Code, Message: def.Message, Details: def.Details, HTTPStatus: def.HTTPStatus}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrTaskNotFound):
		def = errordefs.New(errordefs.MEDIA_NOT_FOUND, "not found", "")
	case errors.Is(err, storage.ErrConflict):
		def = errordefs.New(errordefs.MEDIA_CONFLICT, "conflict", "")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		def = errordefs.New(errordefs.MEDIA_UNAVAILABLE, "request canceled", "")
	default:
		def = errordefs.New(errordefs.MEDIA_INTERNAL, "internal error", "")
	}
	def.CorrelationID = correlationID
	if def.HTTPStatus >= http.StatusInternalServerError {
		m.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "correlation_id", correlationID, "error", err)
	}
	m.writeErrorDef(w, def)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(ContextKeySubject).(string)
	return s
}

// observeRequest logs the request and records HTTP metrics. The route
// pattern is used as the path label to keep cardinality bounded.
func (m *Mux) observeRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	code := strconv.Itoa(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, code).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if sub := subjectFrom(r.Context()); sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// observeStorage records a store operation.
func (m *Mux) observeStorage(op string, start time.Time, err error) {
	status := metrics.Status(err)
	if errors.Is(err, storage.ErrNotFound) {
		status = "not_found"
	}
	m.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
	m.metrics.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the document store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.s.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
