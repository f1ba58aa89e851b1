// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the IoT registry service.
// It exposes the registry operations as JSON endpoints with JWT authentication,
// schema validation, tracing and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/schema"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "iot-registry-http"

	// HeaderCorrelationID carries the request correlation id in both directions.
	HeaderCorrelationID = "X-Correlation-Id"

	maxBodyBytes = 1 << 20
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*jwks.Claims, error)
}

// Exporter uploads registry snapshots.
type Exporter interface {
	Export(ctx context.Context, snap *model.Snapshot) (*model.SnapshotExport, error)
}

// Mux handles HTTP requests for the registry service.
type Mux struct {
	mux       *http.ServeMux     // HTTP request multiplexer
	reg       *registry.Registry // Registry core
	auth      Authenticator      // Bearer token validation
	validator *schema.Validator  // Request body validation
	archive   Exporter           // Snapshot export; nil disables the endpoint
	metrics   *metrics.Metrics   // Metrics for monitoring
	log       *slog.Logger

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Option configures a Mux.
type Option func(*Mux)

// WithArchive enables POST /v1/admin/snapshot.
func WithArchive(e Exporter) Option {
	return func(m *Mux) { m.archive = e }
}

// WithCORS sets the allowed origins. "*" allows any origin.
func WithCORS(origins []string) Option {
	return func(m *Mux) { m.corsAllowedOrigins = origins }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mux) { m.metrics = mt }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mux) { m.log = l }
}

// NewMux creates the HTTP handler with every registry endpoint registered.
func NewMux(reg *registry.Registry, auth Authenticator, opts ...Option) (http.Handler, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	m := &Mux{
		mux:       http.NewServeMux(),
		reg:       reg,
		auth:      auth,
		validator: validator,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Registry endpoints
	m.route("POST /v1/devices", "RegisterDevice", m.authed(m.handleRegisterDevice))
	m.route("GET /v1/devices/{id}", "GetDeviceInfo", m.handleGetDevice)
	m.route("POST /v1/devices/{id}/verify", "VerifyDevice", m.authed(m.handleVerifyDevice))
	m.route("POST /v1/streams", "RegisterDataStream", m.authed(m.handleRegisterStream))
	m.route("GET /v1/streams/{id}", "GetStreamInfo", m.handleGetStream)
	m.route("POST /v1/streams/{id}/access", "RequestStreamAccess", m.authed(m.handleRequestAccess))
	m.route("GET /v1/grants/{subscriber}/{streamId}", "GetAccessGrant", m.handleGetGrant)
	m.route("GET /v1/owners/{principal}", "GetOwnerInfo", m.handleGetOwner)
	m.route("GET /v1/fees", "CalculateFee", m.handleCalculateFee)
	m.route("GET /v1/params", "GetParams", m.handleGetParams)
	m.route("GET /v1/balances/{principal}", "GetBalance", m.handleGetBalance)

	// Admin endpoints
	m.route("POST /v1/admin/platform-fee", "UpdatePlatformFee", m.authed(m.handleUpdatePlatformFee))
	m.route("POST /v1/admin/min-access-price", "UpdateMinAccessPrice", m.authed(m.handleUpdateMinAccessPrice))
	m.route("POST /v1/admin/snapshot", "ExportSnapshot", m.authed(m.handleExportSnapshot))
	m.route("POST /v1/admin/ledger/fund", "FundAccount", m.authed(m.handleFundAccount))

	return m.withMiddleware(m.mux), nil
}

// route registers h under pattern inside a span named after the handler.
func (m *Mux) route(pattern, name string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handle"+name,
			trace.WithAttributes(attribute.String("http.route", pattern)))
		defer span.End()
		h(w, r.WithContext(ctx))
	})
}

// requestState is shared between the outer middleware and the handlers so the
// request log can carry the authenticated principal and the failure.
type requestState struct {
	correlationID string
	principal     model.Principal
	err           error
}

type stateKey struct{}

func stateFrom(ctx context.Context) *requestState {
	if s, ok := ctx.Value(stateKey{}).(*requestState); ok {
		return s
	}
	return &requestState{}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies correlation ids, CORS, request metrics and request logging.
func (m *Mux) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(HeaderCorrelationID, correlationID)

		state := &requestState{correlationID: correlationID}
		ctx := context.WithValue(r.Context(), stateKey{}, state)
		ctx = event.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// r.Pattern is set by the ServeMux on this request; unmatched paths share a label
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if m.metrics != nil {
			status := strconv.Itoa(rec.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		}
		m.logRequest(r, rec.status, time.Since(start), state)
	})
}

// setCORSHeaders echoes allowed origins.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.corsAllowedOrigins) == 0 {
		return
	}
	if !slices.Contains(m.corsAllowedOrigins, "*") && !slices.Contains(m.corsAllowedOrigins, origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+HeaderCorrelationID)
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	}
}

// authed rejects requests without a valid bearer token and records the caller.
func (m *Mux) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authenticate(r)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		stateFrom(r.Context()).principal = principal
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("principal", string(principal)))
		h(w, r)
	}
}

// authenticate validates the bearer token and returns its subject.
func (m *Mux) authenticate(r *http.Request) (model.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.IOT_AUTHN, "missing Authorization header", "")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", errordefs.New(errordefs.IOT_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.auth.Validate(r.Context(), tokenString)
	switch {
	case err == nil:
		return model.Principal(claims.Subject), nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errordefs.New(errordefs.IOT_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", errordefs.New(errordefs.IOT_JWT_MALFORMED, "malformed JWT", "")
	default:
		return "", errordefs.Wrap(errordefs.IOT_JWT_INVALID, "invalid JWT", err)
	}
}

// principal returns the authenticated caller of an authed handler.
func principal(r *http.Request) model.Principal {
	return stateFrom(r.Context()).principal
}

// decode reads the body, validates it against the named schema and unmarshals it into dst.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, schemaName string, dst interface{}) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = m.validator.Validate(schemaName, body)
	m.observeSchema(schemaName, err, start)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return errordefs.NewWithDetails(errordefs.IOT_VALIDATION, "request body failed schema validation", "", verr.Issues)
		}
		return err
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.IOT_VALIDATION, "invalid JSON", "")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errordefs.New(errordefs.IOT_BAD_REQUEST, "request body too large", "")
		}
		return nil, errordefs.New(errordefs.IOT_BAD_REQUEST, "failed to read request body", "")
	}
	if len(body) == 0 {
		return nil, errordefs.New(errordefs.IOT_VALIDATION, "request body is required", "")
	}
	return body, nil
}

func (m *Mux) observeSchema(name string, err error, start time.Time) {
	if m.metrics == nil {
		return
	}
	status := "valid"
	if err != nil {
		status = "invalid"
	}
	m.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
	m.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// fail writes err as a coded error response. Uncoded errors are reported as
// IOT_INTERNAL and only their code reaches the client.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	state := stateFrom(r.Context())
	state.err = err
	e := errordefs.From(err, state.correlationID)

	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, string(e.Code))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": e})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, state *requestState) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", state.correlationID),
	}
	if state.principal != "" {
		attrs = append(attrs, slog.String("principal", string(state.principal)))
	}

	switch {
	case state.err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", state.err.Error()))
		m.log.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case state.err != nil:
		attrs = append(attrs, slog.String("error", state.err.Error()))
		m.log.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
	default:
		m.log.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the backing store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.reg.Ping(ctx); err != nil {
		stateFrom(r.Context()).err = err
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
