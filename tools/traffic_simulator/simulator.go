package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
)

var userAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var userIPs = []string{"192.0.2.1", "198.51.100.1", "203.0.113.1"}

// Stats counts session outcomes. Fields are updated atomically.
type Stats struct {
	Sessions  atomic.Uint64
	Loaded    atomic.Uint64
	NoFill    atomic.Uint64
	Shown     atomic.Uint64
	NotReady  atomic.Uint64
	Conflicts atomic.Uint64
	Capped    atomic.Uint64
	Clicks    atomic.Uint64
	Errors    atomic.Uint64
}

func (s *Stats) fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("sessions", s.Sessions.Load()),
		zap.Uint64("loaded", s.Loaded.Load()),
		zap.Uint64("no_fill", s.NoFill.Load()),
		zap.Uint64("shown", s.Shown.Load()),
		zap.Uint64("not_ready", s.NotReady.Load()),
		zap.Uint64("conflicts", s.Conflicts.Load()),
		zap.Uint64("capped", s.Capped.Load()),
		zap.Uint64("clicks", s.Clicks.Load()),
		zap.Uint64("errors", s.Errors.Load()),
	}
}

// Simulator plays host sessions against a mediation server: load, show,
// maybe click, then close the ad.
type Simulator struct {
	Server     string
	Styles     []models.ShowStyle
	Placements []string
	Users      int
	ClickRate  float64
	Client     *http.Client
	Logger     *zap.Logger
	Stats      Stats
}

type showResult struct {
	Token string `json:"token"`
}

func (s *Simulator) call(ctx context.Context, method, path string, q url.Values, body string, hdr http.Header) (int, []byte, error) {
	u := strings.TrimRight(s.Server, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, data, err
}

// Session runs one load/show cycle with random device and user.
func (s *Simulator) Session(ctx context.Context, r *rand.Rand) error {
	s.Stats.Sessions.Add(1)
	style := s.Styles[r.Intn(len(s.Styles))]
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgents[r.Intn(len(userAgents))])
	hdr.Set("X-Forwarded-For", userIPs[r.Intn(len(userIPs))])
	user := fmt.Sprintf("user-%d", r.Intn(max(s.Users, 1)))
	placement := ""
	if len(s.Placements) > 0 {
		placement = s.Placements[r.Intn(len(s.Placements))]
	}

	types := style.AdTypes()
	for _, t := range types.Split() {
		code, _, err := s.call(ctx, http.MethodPost, "/v1/cache/sync", url.Values{"type": {t.String()}}, "", hdr)
		if err != nil {
			s.Stats.Errors.Add(1)
			return err
		}
		switch code {
		case http.StatusOK:
			s.Stats.Loaded.Add(1)
		case http.StatusNoContent:
			s.Stats.NoFill.Add(1)
		default:
			s.Stats.Errors.Add(1)
			s.Logger.Debug("cache sync failed", zap.String("type", t.String()), zap.Int("status", code))
		}
	}

	q := url.Values{"style": {style.String()}, "user": {user}}
	if placement != "" {
		q.Set("placement", placement)
	}
	code, body, err := s.call(ctx, http.MethodPost, "/v1/show", q, "", hdr)
	if err != nil {
		s.Stats.Errors.Add(1)
		return err
	}
	switch code {
	case http.StatusOK:
		s.Stats.Shown.Add(1)
	case http.StatusNotFound:
		s.Stats.NotReady.Add(1)
		return nil
	case http.StatusConflict:
		s.Stats.Conflicts.Add(1)
		return nil
	case http.StatusTooManyRequests:
		s.Stats.Capped.Add(1)
		return nil
	default:
		s.Stats.Errors.Add(1)
		return nil
	}

	var res showResult
	if err := json.Unmarshal(body, &res); err != nil {
		s.Stats.Errors.Add(1)
		return fmt.Errorf("decode show response: %w", err)
	}
	if res.Token == "" {
		s.Stats.Errors.Add(1)
		return fmt.Errorf("show response without token")
	}
	tq := url.Values{"t": {res.Token}}

	if r.Float64() < s.ClickRate {
		if code, _, err := s.call(ctx, http.MethodPost, "/v1/click", tq, "", hdr); err == nil && code == http.StatusNoContent {
			s.Stats.Clicks.Add(1)
		}
	}
	if types.Has(models.AdTypeBanner) {
		_, _, err = s.call(ctx, http.MethodPost, "/v1/banner/hide", nil, "", hdr)
		return err
	}
	if types&(models.AdTypeVideo|models.AdTypeRewardedVideo) != 0 {
		_, _, _ = s.call(ctx, http.MethodPost, "/v1/finish", tq, "", hdr)
	}
	_, _, err = s.call(ctx, http.MethodPost, "/v1/dismiss", tq, "", hdr)
	return err
}
