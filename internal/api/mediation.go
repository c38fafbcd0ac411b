package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/middleware"
	"github.com/patrickwarner/openmediation/internal/models"
)

type initializeRequest struct {
	AppKey  string `json:"app_key"`
	AdTypes string `json:"ad_types"`
}

// InitializeHandler handles POST /v1/initialize.
func (s *Server) InitializeHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "initialize"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req initializeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid request")
		return
	}
	types, err := parseTypes(req.AdTypes)
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppKey == "" {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "app_key required")
		return
	}

	if err := s.Mediator.Initialize(r.Context(), req.AppKey, types); err != nil {
		logger.Error("initialize failed", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusInternalServerError, "initialize failed")
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"initialized": true,
		"version":     s.Mediator.Version(),
		"ad_types":    types.String(),
	})
}

// CacheHandler handles POST /v1/cache. Loads run in the background.
func (s *Server) CacheHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "cache"
	const method = "POST"

	types, err := parseTypes(r.URL.Query().Get("type"))
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Mediator.Cache(r.Context(), types); err != nil {
		status := statusFor(err)
		s.fail(w, endpoint, method, start, status, err.Error())
		return
	}
	s.observe(endpoint, method, http.StatusAccepted, start)
	w.WriteHeader(http.StatusAccepted)
}

// CacheSyncHandler handles POST /v1/cache/sync and waits for the waterfall.
func (s *Server) CacheSyncHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "CacheSyncHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/cache/sync"),
		))
	defer span.End()

	start := time.Now()
	const endpoint = "cache_sync"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	t, err := models.ParseAdType(r.URL.Query().Get("type"))
	if err != nil || !t.Single() {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "type must name one ad type")
		return
	}
	span.SetAttributes(attribute.String("ad_type", t.String()))

	ad, err := s.Mediator.CacheSync(ctx, t)
	if err != nil {
		span.RecordError(err)
		status := statusFor(err)
		if status == http.StatusNoContent {
			code, _ := mediation.CodeOf(err)
			w.Header().Set("X-Mediation-Error", code.String())
			logger.Debug("cache sync without fill", zap.String("ad_type", t.String()), zap.Error(err))
			s.observe(endpoint, method, status, start)
			w.WriteHeader(status)
			return
		}
		s.fail(w, endpoint, method, start, status, err.Error())
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, ad)
}

// ReadyHandler handles GET /v1/ready?style=.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "ready"
	const method = "GET"

	style, err := models.ParseShowStyle(r.URL.Query().Get("style"))
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ready": s.Mediator.IsReadyForShow(style)})
}

// HideBannerHandler handles POST /v1/banner/hide.
func (s *Server) HideBannerHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.Mediator.HideBanner()
	s.observe("banner_hide", "POST", http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

type autocacheRequest struct {
	Types   string `json:"types"`
	Enabled bool   `json:"enabled"`
}

// AutocacheHandler handles PUT /v1/autocache.
func (s *Server) AutocacheHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "autocache"
	const method = "PUT"

	var req autocacheRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid request")
		return
	}
	types, err := parseTypes(req.Types)
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	s.Mediator.SetAutocache(req.Enabled, types)
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, map[string]any{"types": types.String(), "enabled": req.Enabled})
}

// NetworkHandler handles PUT /v1/networks/{name}, switching a network on or
// off for some ad types in this mediator only.
func (s *Server) NetworkHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "network"
	const method = "PUT"
	name := mux.Vars(r)["name"]

	if s.Networks != nil {
		if _, ok := s.Networks.Get(name); !ok {
			s.fail(w, endpoint, method, start, http.StatusNotFound, "unknown network")
			return
		}
	}
	var req autocacheRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid request")
		return
	}
	types, err := parseTypes(req.Types)
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled {
		s.Mediator.EnableNetwork(types, name)
	} else {
		s.Mediator.DisableNetwork(types, name)
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, map[string]any{"network": name, "types": types.String(), "enabled": req.Enabled})
}
