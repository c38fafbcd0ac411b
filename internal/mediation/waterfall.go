package mediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

var tracer = otel.Tracer("openmediation/mediation")

// Outcome labels one waterfall attempt in traces and metrics.
type Outcome string

const (
	OutcomeFill               Outcome = "fill"
	OutcomeNoFill             Outcome = "no_fill"
	OutcomeBelowFloor         Outcome = "below_floor"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeError              Outcome = "error"
	OutcomeSkippedDisabled    Outcome = "skipped_disabled"
	OutcomeSkippedUnknown     Outcome = "skipped_unknown"
	OutcomeSkippedUnsupported Outcome = "skipped_unsupported"
	OutcomeSkippedConsent     Outcome = "skipped_consent"
	OutcomeSkippedRateLimit   Outcome = "skipped_rate_limit"
	OutcomeSkippedSuppressed  Outcome = "skipped_suppressed"
)

// Attempt records what happened with one waterfall entry.
type Attempt struct {
	Network     string        `json:"network"`
	PlacementID string        `json:"placement_id,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Price       float64       `json:"price,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Err         error         `json:"-"`
}

// AttemptTrace is the ordered list of attempts of one waterfall run.
type AttemptTrace struct {
	RequestID string    `json:"request_id"`
	AdType    string    `json:"ad_type"`
	Attempts  []Attempt `json:"attempts"`
}

func (t *AttemptTrace) add(a Attempt) {
	if t == nil {
		return
	}
	if a.Err != nil {
		if code, ok := CodeOf(a.Err); ok {
			a.ErrorCode = code.String()
		}
	}
	t.Attempts = append(t.Attempts, a)
}

// Winner returns the filled attempt, if any.
func (t *AttemptTrace) Winner() (Attempt, bool) {
	if t == nil {
		return Attempt{}, false
	}
	for _, a := range t.Attempts {
		if a.Outcome == OutcomeFill {
			return a, true
		}
	}
	return Attempt{}, false
}

// waterfallRunner walks the configured entries of one ad type until a
// network fills above its floor.
type waterfallRunner struct {
	store          models.MediationStore
	networks       NetworkSource
	limiter        RateLimiter
	consent        ConsentChecker
	suppressor     *noFillSuppressor
	disabled       func(network string, t models.AdType) bool
	attemptTimeout time.Duration
	defaultTTL     time.Duration
	metrics        observability.MetricsRegistry
	logger         *zap.Logger
	now            func() time.Time
}

// Run returns the first accepted ad. On exhaustion the error is a NoFill
// AdError joining the per-attempt failures. Cancellation of ctx aborts
// the walk.
func (w *waterfallRunner) Run(ctx context.Context, req *models.AdRequest) (*models.Ad, *AttemptTrace, error) {
	t := req.AdType
	tr := &AttemptTrace{RequestID: req.ID, AdType: t.String()}

	ctx, span := tracer.Start(ctx, "waterfall.run",
		trace.WithAttributes(
			attribute.String("ad_type", t.String()),
			attribute.String("request_id", req.ID),
		))
	defer span.End()

	entries := w.store.GetWaterfall(t)
	var failures []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "aborted")
			return nil, tr, NewError(CodeTimeout, "", t, err)
		}

		ad, attempt := w.try(ctx, req, entry)
		tr.add(attempt)
		w.metrics.IncrementAttempts(entry.Network, t.String(), string(attempt.Outcome))
		if attempt.Outcome == OutcomeFill {
			w.metrics.IncrementFills(t.String(), entry.Network)
			span.SetAttributes(
				attribute.String("network", ad.Network),
				attribute.Float64("price", ad.Price),
				attribute.Int("attempts", len(tr.Attempts)),
			)
			return ad, tr, nil
		}
		if attempt.Err != nil {
			failures = append(failures, attempt.Err)
		}
		if errors.Is(attempt.Err, context.Canceled) && ctx.Err() != nil {
			return nil, tr, NewError(CodeTimeout, "", t, ctx.Err())
		}
	}

	w.metrics.IncrementNoFills(t.String())
	span.SetAttributes(attribute.Int("attempts", len(tr.Attempts)))
	span.SetStatus(codes.Error, "no fill")
	var cause error
	if len(failures) > 0 {
		cause = errors.Join(failures...)
	} else {
		cause = fmt.Errorf("no eligible waterfall entries")
	}
	return nil, tr, NewError(CodeNoFill, "", t, cause)
}

func (w *waterfallRunner) try(ctx context.Context, req *models.AdRequest, entry models.WaterfallEntry) (*models.Ad, Attempt) {
	t := req.AdType
	a := Attempt{Network: entry.Network, PlacementID: entry.PlacementID}

	cfg := w.store.GetNetwork(entry.Network)
	if cfg == nil {
		a.Outcome = OutcomeSkippedUnknown
		return nil, a
	}
	if !entry.Enabled || !cfg.Enabled || (w.disabled != nil && w.disabled(entry.Network, t)) {
		a.Outcome = OutcomeSkippedDisabled
		a.Err = NewError(CodeNetworkDisabled, entry.Network, t, nil)
		return nil, a
	}
	nw, ok := w.networks.Get(entry.Network)
	if !ok {
		a.Outcome = OutcomeSkippedUnknown
		return nil, a
	}
	if !nw.Supports(t) {
		a.Outcome = OutcomeSkippedUnsupported
		a.Err = NewError(CodeAdTypeMismatch, entry.Network, t, nil)
		return nil, a
	}
	if w.consent != nil && !w.consent.Allowed(req.GDPRApplies, req.Consent, cfg.GDPRVendorID) {
		a.Outcome = OutcomeSkippedConsent
		a.Err = NewError(CodeNoConsent, entry.Network, t, nil)
		return nil, a
	}
	if w.suppressor != nil && w.suppressor.Suppressed(entry.Network, t) {
		a.Outcome = OutcomeSkippedSuppressed
		a.Err = NewError(CodeNoFill, entry.Network, t, fmt.Errorf("suppressed after recent no fill"))
		return nil, a
	}
	if w.limiter != nil {
		w.metrics.IncrementRateLimitRequests(entry.Network)
		if !w.limiter.Allow(entry.Network) {
			w.metrics.IncrementRateLimitHits(entry.Network)
			a.Outcome = OutcomeSkippedRateLimit
			a.Err = NewError(CodeRateLimited, entry.Network, t, nil)
			return nil, a
		}
	}

	timeout := w.attemptTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx, span := tracer.Start(actx, "waterfall.attempt",
		trace.WithAttributes(
			attribute.String("network", entry.Network),
			attribute.String("placement_id", entry.PlacementID),
			attribute.Float64("floor_cpm", entry.FloorCPM),
		))
	defer span.End()

	start := w.now()
	ad, err := nw.Load(actx, LoadRequest{Request: req, Entry: entry, Config: *cfg})
	a.Duration = w.now().Sub(start)
	w.metrics.RecordAttemptLatency(entry.Network, t.String(), a.Duration)

	if err == nil && ad == nil {
		err = NewError(CodeNoFill, entry.Network, t, nil)
	}
	if err != nil {
		a.Outcome, a.Err = w.classify(ctx, actx, entry.Network, t, err)
		span.RecordError(a.Err)
		span.SetAttributes(attribute.String("outcome", string(a.Outcome)))
		return nil, a
	}

	a.Price = ad.Price
	if ad.Price < entry.FloorCPM {
		a.Outcome = OutcomeBelowFloor
		a.Err = NewError(CodeNoFill, entry.Network, t,
			fmt.Errorf("price %.4f below floor %.4f", ad.Price, entry.FloorCPM))
		span.SetAttributes(attribute.String("outcome", string(a.Outcome)))
		return nil, a
	}

	w.stamp(ad, req, entry, cfg)
	a.Outcome = OutcomeFill
	span.SetAttributes(
		attribute.String("outcome", string(a.Outcome)),
		attribute.Float64("price", ad.Price),
	)
	return ad, a
}

// classify maps a load failure onto an AdError and outcome, applying the
// no-fill suppression and choosing the log level.
func (w *waterfallRunner) classify(parent, attempt context.Context, network string, t models.AdType, err error) (Outcome, error) {
	if parent.Err() != nil {
		return OutcomeTimeout, NewError(CodeTimeout, network, t, parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout, NewError(CodeTimeout, network, t, err)
	}

	var ae *AdError
	if !errors.As(err, &ae) {
		ae = NewError(CodeBadServerResponse, network, t, err)
	} else if ae.Network == "" || ae.AdType == models.AdTypeNone {
		cp := *ae
		if cp.Network == "" {
			cp.Network = network
		}
		if cp.AdType == models.AdTypeNone {
			cp.AdType = t
		}
		ae = &cp
	}

	if ae.Code.Suppresses() && w.suppressor != nil {
		w.suppressor.Suppress(network, t)
	}
	switch {
	case ae.Code.ConfigError():
		w.logger.Error("waterfall entry misconfigured",
			zap.String("network", network),
			zap.String("ad_type", t.String()),
			zap.Error(ae))
	case ae.Code == CodeNoFill:
		w.logger.Debug("no fill", zap.String("network", network), zap.String("ad_type", t.String()))
	default:
		w.logger.Warn("network load failed",
			zap.String("network", network),
			zap.String("ad_type", t.String()),
			zap.Error(ae))
	}

	switch ae.Code {
	case CodeNoFill:
		return OutcomeNoFill, ae
	case CodeTimeout:
		return OutcomeTimeout, ae
	}
	return OutcomeError, ae
}

// stamp fills in the fields the mediator owns so the ad can be correlated
// with its request at show time.
func (w *waterfallRunner) stamp(ad *models.Ad, req *models.AdRequest, entry models.WaterfallEntry, cfg *models.NetworkConfig) {
	now := w.now()
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	ad.RequestID = req.ID
	ad.Network = entry.Network
	ad.AdType = req.AdType
	if ad.PlacementID == "" {
		ad.PlacementID = entry.PlacementID
	}
	if ad.LoadedAt.IsZero() {
		ad.LoadedAt = now
	}
	if ad.ExpiresAt.IsZero() {
		ttl := w.defaultTTL
		if cfg != nil && cfg.AdTTL > 0 {
			ttl = cfg.AdTTL
		}
		if ttl <= 0 {
			ttl = models.DefaultAdTTL
		}
		ad.ExpiresAt = ad.LoadedAt.Add(ttl)
	}
}
