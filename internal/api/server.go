// Package api exposes one mediator instance over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/analytics"
	"github.com/patrickwarner/openmediation/internal/geoip"
	"github.com/patrickwarner/openmediation/internal/logic/ratelimit"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/middleware"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

var tracer = otel.Tracer("openmediation/api")

const maxBodyBytes = 1 << 20

// ReloadFunc refreshes the mediation setup from its backing store.
type ReloadFunc func(ctx context.Context) error

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Mediator    *mediation.Mediator
	Networks    mediation.NetworkSource
	Store       models.MediationStore
	GeoIP       *geoip.GeoIP
	Limiter     *ratelimit.NetworkLimiter
	Analytics   *analytics.Analytics
	Metrics     observability.MetricsRegistry
	TokenSecret []byte
	TokenTTL    time.Duration
	DebugTrace  bool
	Reloader    ReloadFunc

	reloadMu sync.Mutex
}

// NewServer constructs a Server. Optional collaborators can be set on the
// returned value.
func NewServer(logger *zap.Logger, m *mediation.Mediator, networks mediation.NetworkSource, store models.MediationStore, metrics observability.MetricsRegistry, secret []byte, ttl time.Duration) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:      logger,
		Mediator:    m,
		Networks:    networks,
		Store:       store,
		Metrics:     metrics,
		TokenSecret: secret,
		TokenTTL:    ttl,
	}
}

// Router builds the HTTP handler with every route registered.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.withTargeting)
	v1.HandleFunc("/initialize", s.InitializeHandler).Methods("POST")
	v1.HandleFunc("/cache", s.CacheHandler).Methods("POST")
	v1.HandleFunc("/cache/sync", s.CacheSyncHandler).Methods("POST")
	v1.HandleFunc("/ready", s.ReadyHandler).Methods("GET")
	v1.HandleFunc("/show", s.ShowHandler).Methods("POST")
	v1.HandleFunc("/dismiss", s.DismissHandler).Methods("POST")
	v1.HandleFunc("/click", s.ClickHandler).Methods("POST")
	v1.HandleFunc("/finish", s.FinishHandler).Methods("POST")
	v1.HandleFunc("/banner/hide", s.HideBannerHandler).Methods("POST")
	v1.HandleFunc("/user", s.UserHandler).Methods("PUT")
	v1.HandleFunc("/consent", s.ConsentHandler).Methods("PUT")
	v1.HandleFunc("/autocache", s.AutocacheHandler).Methods("PUT")
	v1.HandleFunc("/networks/{name}", s.NetworkHandler).Methods("PUT")
	v1.HandleFunc("/status", s.StatusHandler).Methods("GET")
	v1.HandleFunc("/events/{request_id}", s.EventsHandler).Methods("GET")
	v1.HandleFunc("/report", s.ReportHandler).Methods("GET")

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "mediation-api")
}

// observe records request count and latency for one handled call.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("encode response", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}

// parseTypes reads an ad type list, defaulting to every type when empty.
func parseTypes(s string) (models.AdType, error) {
	if s == "" {
		return models.AdTypeAll, nil
	}
	return models.ParseAdType(s)
}

// statusFor maps mediation errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, models.ErrInvalidAdType) {
		return http.StatusBadRequest
	}
	code, ok := mediation.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case mediation.CodeNotInitialized:
		return http.StatusPreconditionFailed
	case mediation.CodeAdTypeMismatch, mediation.CodeEmptyBlockID, mediation.CodeInvalidBannerSize:
		return http.StatusBadRequest
	case mediation.CodeInterstitialAlreadyPresented:
		return http.StatusConflict
	case mediation.CodeNotReady:
		return http.StatusNotFound
	case mediation.CodeFrequencyCapped:
		return http.StatusTooManyRequests
	case mediation.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusNoContent
}

// fail writes a plain error and records the request.
func (s *Server) fail(w http.ResponseWriter, endpoint, method string, start time.Time, status int, msg string) {
	s.observe(endpoint, method, status, start)
	http.Error(w, msg, status)
}
