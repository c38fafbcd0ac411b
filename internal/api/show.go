package api

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/middleware"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
	"github.com/patrickwarner/openmediation/internal/token"
)

type showResponse struct {
	Ad    *models.Ad `json:"ad"`
	Style string     `json:"style"`
	Token string     `json:"token"`
}

// ShowHandler handles POST /v1/show?style=&placement=&user=. Without a user
// parameter the template user is capped. The returned token identifies the
// presentation in later dismiss, click and finish calls.
func (s *Server) ShowHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ShowHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/show"),
		))
	defer span.End()

	start := time.Now()
	const endpoint = "show"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	q := r.URL.Query()
	style, err := models.ParseShowStyle(q.Get("style"))
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}
	placement := q.Get("placement")
	userID := q.Get("user")
	if userID == "" {
		userID = s.Mediator.User().ID
	}
	span.SetAttributes(
		attribute.String("style", style.String()),
		attribute.String("placement", placement),
	)

	ad, err := s.Mediator.ShowWith(ctx, style, mediation.ShowOptions{Placement: placement, UserID: userID})
	if err != nil {
		span.RecordError(err)
		status := statusFor(err)
		if status == http.StatusNoContent {
			status = http.StatusNotFound
		}
		if observability.ShouldSample(observability.GetSamplingRate()) {
			logger.Info("show failed", zap.String("style", style.String()), zap.Error(err))
		}
		s.fail(w, endpoint, method, start, status, err.Error())
		return
	}

	tok, err := token.Generate(token.ForAd(ad, userID, placement), s.TokenSecret)
	if err != nil {
		logger.Error("generate token", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusInternalServerError, "token generation failed")
		return
	}
	span.SetAttributes(
		attribute.String("network", ad.Network),
		attribute.String("request_id", ad.RequestID),
	)
	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, showResponse{Ad: ad, Style: style.String(), Token: tok})
}

type callbackFunc func(t models.AdType, requestID string) error

// callback verifies the show token and forwards it to the mediator.
func (s *Server) callback(w http.ResponseWriter, r *http.Request, endpoint string, fn callbackFunc) {
	start := time.Now()
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	tok := r.URL.Query().Get("t")
	if tok == "" {
		s.fail(w, endpoint, method, start, http.StatusUnauthorized, "token required")
		return
	}
	claims, err := token.Verify(tok, s.TokenSecret, s.TokenTTL)
	if err != nil {
		logger.Warn("token verify", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := fn(claims.AdType, claims.RequestID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, mediation.ErrNotPresented):
			status = http.StatusNotFound
		case errors.Is(err, mediation.ErrRequestMismatch):
			status = http.StatusConflict
		case errors.Is(err, mediation.ErrAdTypeMismatch):
			status = http.StatusBadRequest
		}
		s.fail(w, endpoint, method, start, status, err.Error())
		return
	}
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

// DismissHandler handles POST /v1/dismiss?t=.
func (s *Server) DismissHandler(w http.ResponseWriter, r *http.Request) {
	s.callback(w, r, "dismiss", s.Mediator.Dismiss)
}

// ClickHandler handles POST /v1/click?t=.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	s.callback(w, r, "click", s.Mediator.Click)
}

// FinishHandler handles POST /v1/finish?t=.
func (s *Server) FinishHandler(w http.ResponseWriter, r *http.Request) {
	s.callback(w, r, "finish", s.Mediator.Finish)
}
