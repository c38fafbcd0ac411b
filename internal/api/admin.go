package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/analytics"
	"github.com/patrickwarner/openmediation/internal/logic/ratelimit"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/middleware"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/reporting"
)

type statusResponse struct {
	mediation.Status
	AppKey     string                 `json:"app_key,omitempty"`
	Networks   []models.NetworkConfig `json:"networks,omitempty"`
	RateLimits []ratelimit.Stats      `json:"rate_limits,omitempty"`
}

// StatusHandler handles GET /v1/status. Waterfall traces are included only
// when debug tracing is on.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	st := statusResponse{Status: s.Mediator.Status(), AppKey: s.Mediator.AppKey()}
	if !s.DebugTrace {
		for i := range st.Types {
			st.Types[i].LastRun = nil
		}
	}
	if s.Store != nil {
		st.Networks = s.Store.GetAllNetworks()
		for i := range st.Networks {
			st.Networks[i].AppKey = ""
		}
	}
	if s.Limiter != nil {
		st.RateLimits = s.Limiter.Stats()
	}
	s.observe("status", "GET", http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, st)
}

// EventsHandler handles GET /v1/events/{request_id}, listing the recorded
// lifecycle of one load.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "events"
	const method = "GET"

	events, err := s.Analytics.EventsByRequestID(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		if errors.Is(err, analytics.ErrUnavailable) {
			s.fail(w, endpoint, method, start, http.StatusServiceUnavailable, "analytics unavailable")
			return
		}
		middleware.LoggerFromRequest(r, s.Logger).Error("query events", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusInternalServerError, "query failed")
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, events)
}

// ReportHandler handles GET /v1/report?hours=N (default 24, at most 720).
func (s *Server) ReportHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "report"
	const method = "GET"

	if s.Analytics == nil || s.Analytics.DB == nil {
		s.fail(w, endpoint, method, start, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 720 {
			s.fail(w, endpoint, method, start, http.StatusBadRequest, "hours must be between 1 and 720")
			return
		}
		hours = n
	}

	report, err := reporting.Generate(r.Context(), s.Analytics.DB, hours)
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("generate report", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusInternalServerError, "report failed")
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, report)
}

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
	s.observe("health", "GET", http.StatusOK, start)
}

// Reload refreshes the setup. Concurrent calls are serialized.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.Reloader == nil {
		return fmt.Errorf("reload not configured")
	}
	return s.Reloader(ctx)
}

// ReloadHandler handles POST /reload.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("reload failed", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusInternalServerError, "reload failed")
		return
	}
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
