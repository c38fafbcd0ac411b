// Package openrtb implements a demand network that buys through an OpenRTB
// 2.x endpoint.
package openrtb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prebid/openrtb/v20/adcom1"
	"github.com/prebid/openrtb/v20/openrtb2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/macros"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

// DefaultRetryInterval is the first wait before retrying a 5xx answer.
const DefaultRetryInterval = 100 * time.Millisecond

var videoMIMEs = []string{"video/mp4", "video/webm"}

// Network sends one bid request per load and turns the best bid into an ad.
type Network struct {
	cfg    models.NetworkConfig
	client *http.Client
	macros *macros.Expander
	logger *zap.Logger

	// RetryInterval overrides DefaultRetryInterval.
	RetryInterval time.Duration

	mu     sync.RWMutex
	appKey string
}

// New creates an OpenRTB network. A nil client gets an otelhttp
// instrumented transport.
func New(cfg models.NetworkConfig, client *http.Client, expander *macros.Expander, logger *zap.Logger) *Network {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if expander == nil {
		expander = macros.NewExpander(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{cfg: cfg, client: client, macros: expander, logger: logger.With(zap.String("network", cfg.Name))}
}

func (n *Network) Name() string { return n.cfg.Name }

// Initialize validates the endpoint and remembers the app key sent as app.id.
func (n *Network) Initialize(_ context.Context, appKey string) error {
	if appKey == "" {
		return mediation.ErrEmptyAppKey
	}
	u, err := url.Parse(n.cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("openrtb %s: invalid endpoint %q", n.cfg.Name, n.cfg.Endpoint)
	}
	n.mu.Lock()
	n.appKey = appKey
	n.mu.Unlock()
	return nil
}

func (n *Network) Supports(t models.AdType) bool { return t.Single() }

func (n *Network) Load(ctx context.Context, req mediation.LoadRequest) (*models.Ad, error) {
	t := req.Request.AdType
	n.mu.RLock()
	appKey := n.appKey
	n.mu.RUnlock()
	if appKey == "" {
		return nil, mediation.NewError(mediation.CodeNotInitialized, n.cfg.Name, t, nil)
	}
	if req.Entry.PlacementID == "" {
		return nil, mediation.NewError(mediation.CodeEmptyBlockID, n.cfg.Name, t, nil)
	}

	bidReq := BuildRequest(req, appKey)
	body, err := json.Marshal(bidReq)
	if err != nil {
		return nil, fmt.Errorf("marshal bid request: %w", err)
	}

	resp, err := n.send(ctx, body, t)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, mediation.NewError(mediation.CodeNoFill, n.cfg.Name, t, nil)
	}
	return n.toAd(resp, req)
}

// send posts the request, retrying 5xx answers with exponential backoff.
// A nil response with nil error means no content.
func (n *Network) send(ctx context.Context, body []byte, t models.AdType) (*openrtb2.BidResponse, error) {
	interval := n.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.RandomizationFactor = 0

	op := func() (*openrtb2.BidResponse, error) {
		resp, err := n.post(ctx, body, t)
		var ae *mediation.AdError
		if err != nil && errors.As(err, &ae) && ae.Code == mediation.CodeServiceTemporarilyNotAvailable {
			n.logger.Debug("openrtb endpoint unavailable, retrying", zap.Error(err))
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(n.cfg.MaxRetries)+1),
	)
}

func (n *Network) post(ctx context.Context, body []byte, t models.AdType) (*openrtb2.BidResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=utf-8")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Openrtb-Version", "2.6")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mediation.NewError(mediation.CodeServiceTemporarilyNotAvailable, n.cfg.Name, t, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debug("failed to close response body", zap.Error(err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, mediation.NewError(mediation.CodeServiceTemporarilyNotAvailable, n.cfg.Name, t,
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, mediation.NewError(mediation.CodeBadServerResponse, n.cfg.Name, t,
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mediation.NewError(mediation.CodeBadServerResponse, n.cfg.Name, t, fmt.Errorf("read body: %w", err))
	}
	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(raw, &bidResp); err != nil {
		return nil, mediation.NewError(mediation.CodeBadServerResponse, n.cfg.Name, t, fmt.Errorf("decode bid response: %w", err))
	}
	return &bidResp, nil
}

// toAd picks the highest bid and expands its macros.
func (n *Network) toAd(resp *openrtb2.BidResponse, req mediation.LoadRequest) (*models.Ad, error) {
	t := req.Request.AdType
	var best *openrtb2.Bid
	var seat string
	for i := range resp.SeatBid {
		sb := &resp.SeatBid[i]
		for j := range sb.Bid {
			b := &sb.Bid[j]
			if best == nil || b.Price > best.Price {
				best, seat = b, sb.Seat
			}
		}
	}
	if best == nil {
		return nil, mediation.NewError(mediation.CodeNoFill, n.cfg.Name, t, nil)
	}
	if best.AdM == "" {
		return nil, mediation.NewError(mediation.CodeBadServerResponse, n.cfg.Name, t, errors.New("winning bid has no markup"))
	}
	if seat == "" {
		seat = n.cfg.Name
	}

	mctx := &macros.Context{
		RequestID:   req.Request.ID,
		ImpID:       best.ImpID,
		BidID:       best.ID,
		Network:     seat,
		PlacementID: req.Entry.PlacementID,
		Currency:    resp.Cur,
		Price:       best.Price,
		Timestamp:   time.Now(),
		Custom:      req.Request.Targeting,
	}
	markup, err := n.macros.ExpandMarkup(best.AdM, mctx)
	if err != nil {
		return nil, mediation.NewError(mediation.CodeBadServerResponse, n.cfg.Name, t, err)
	}

	ad := &models.Ad{
		ID:          best.ID,
		PlacementID: req.Entry.PlacementID,
		AdType:      t,
		Price:       best.Price,
		Width:       int(best.W),
		Height:      int(best.H),
	}
	if t == models.AdTypeNative {
		ad.Native = json.RawMessage(markup)
	} else {
		ad.Markup = markup
	}
	for _, u := range []string{best.NURL, best.BURL} {
		if u == "" {
			continue
		}
		expanded, err := n.macros.ExpandURL(u, mctx)
		if err != nil {
			n.logger.Warn("tracking url expansion failed", zap.String("url", u), zap.Error(err))
			continue
		}
		ad.ImpressionURLs = append(ad.ImpressionURLs, expanded)
	}
	if best.Exp > 0 {
		ad.LoadedAt = time.Now()
		ad.ExpiresAt = ad.LoadedAt.Add(time.Duration(best.Exp) * time.Second)
	}
	return ad, nil
}

// BuildRequest translates a mediation load into a single-impression bid
// request.
func BuildRequest(lr mediation.LoadRequest, appKey string) *openrtb2.BidRequest {
	r := lr.Request
	imp := openrtb2.Imp{
		ID:          "1",
		TagID:       lr.Entry.PlacementID,
		BidFloor:    lr.Entry.FloorCPM,
		BidFloorCur: "USD",
		Secure:      int8Ptr(1),
	}
	switch r.AdType {
	case models.AdTypeBanner:
		imp.Banner = &openrtb2.Banner{W: int64Ptr(320), H: int64Ptr(50)}
	case models.AdTypeInterstitial:
		imp.Instl = 1
		imp.Banner = &openrtb2.Banner{W: int64Ptr(320), H: int64Ptr(480)}
	case models.AdTypeVideo, models.AdTypeRewardedVideo:
		imp.Instl = 1
		imp.Video = &openrtb2.Video{MIMEs: videoMIMEs}
		if r.AdType == models.AdTypeRewardedVideo {
			imp.Rwdd = 1
		}
	case models.AdTypeNative:
		imp.Native = &openrtb2.Native{Request: `{"ver":"1.2","assets":[{"id":1,"required":1,"title":{"len":90}}]}`}
	}

	dev := &openrtb2.Device{
		UA:         r.Device.UA,
		IP:         r.Device.IP,
		IFA:        r.Device.IFA,
		OS:         r.Device.OS,
		DeviceType: deviceType(r.Device.Type),
	}
	if r.Device.LimitAdTracking {
		dev.Lmt = int8Ptr(1)
	}
	if r.Country != "" || r.Region != "" || r.Location != nil {
		dev.Geo = &openrtb2.Geo{Country: r.Country, Region: r.Region}
		if r.Location != nil {
			dev.Geo.Lat = float64Ptr(r.Location.Lat)
			dev.Geo.Lon = float64Ptr(r.Location.Lon)
			dev.Geo.Type = adcom1.LocationGPS
		}
	}

	user := &openrtb2.User{
		ID:       r.User.ID,
		Gender:   genderCode(r.User.Gender),
		Keywords: strings.Join(r.User.Interests, ","),
		Consent:  r.Consent,
	}
	if yob := r.User.YearOfBirth(r.CreatedAt); yob > 0 {
		user.Yob = int64(yob)
	}

	bidReq := &openrtb2.BidRequest{
		ID:     r.ID,
		Imp:    []openrtb2.Imp{imp},
		App:    &openrtb2.App{ID: appKey},
		Device: dev,
		User:   user,
		AT:     1,
		Cur:    []string{"USD"},
	}
	if r.Test {
		bidReq.Test = 1
	}
	if r.GDPRApplies {
		bidReq.Regs = &openrtb2.Regs{GDPR: int8Ptr(1)}
	}
	if lr.Config.Timeout > 0 {
		bidReq.TMax = lr.Config.Timeout.Milliseconds()
	}
	var kw []string
	if r.ContextQuery != "" {
		kw = append(kw, r.ContextQuery)
	}
	kw = append(kw, r.ContextTags...)
	bidReq.App.Keywords = strings.Join(kw, ",")
	return bidReq
}

func deviceType(s string) adcom1.DeviceType {
	switch s {
	case "mobile":
		return adcom1.DevicePhone
	case "tablet":
		return adcom1.DeviceTablet
	case "desktop":
		return adcom1.DevicePC
	case "tv":
		return adcom1.DeviceTV
	}
	return 0
}

func genderCode(g models.Gender) string {
	switch g {
	case models.GenderMale:
		return "M"
	case models.GenderFemale:
		return "F"
	}
	return ""
}

func int8Ptr(v int8) *int8 { return &v }

func int64Ptr(v int64) *int64 { return &v }

func float64Ptr(v float64) *float64 { return &v }
