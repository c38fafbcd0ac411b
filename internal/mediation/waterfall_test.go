package mediation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
)

type denyVendor uint16

func (d denyVendor) Allowed(applies bool, consent string, vendorID uint16) bool {
	return !applies || vendorID != uint16(d)
}

type denyNetwork string

func (d denyNetwork) Allow(network string) bool { return network != string(d) }

func TestWaterfallFloorFallsThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["alpha"].setLoad(fill(0.5))
	env.networks["beta"].setLoad(fill(0.8))
	env.start(t)

	ad, err := env.m.CacheSync(context.Background(), models.AdTypeInterstitial)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if ad.Network != "beta" || ad.Price != 0.8 {
		t.Fatalf("expected beta at 0.8, got %s at %v", ad.Network, ad.Price)
	}
	if ad.PlacementID != "b-interstitial" || ad.ID == "" || ad.RequestID == "" {
		t.Errorf("ad not stamped: %+v", ad)
	}
	if !ad.ExpiresAt.Equal(env.clock.Now().Add(models.DefaultAdTTL)) {
		t.Errorf("expected default ttl, got expiry %s", ad.ExpiresAt)
	}

	if got := env.metrics.Count("attempts", "alpha", "interstitial", "below_floor"); got != 1 {
		t.Errorf("expected one below_floor attempt, got %d", got)
	}
	if got := env.metrics.Count("fills", "interstitial", "beta"); got != 1 {
		t.Errorf("expected one fill, got %d", got)
	}

	st := env.m.Status()
	run := st.Types[0].LastRun
	if run == nil || len(run.Attempts) != 2 {
		t.Fatalf("expected two attempts in trace, got %+v", run)
	}
	if w, ok := run.Winner(); !ok || w.Network != "beta" {
		t.Errorf("expected beta winner, got %+v", w)
	}
}

func TestWaterfallExhaustionReportsNoFill(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["beta"].setLoad(func(context.Context, LoadRequest) (*models.Ad, error) {
		return nil, fmt.Errorf("unexpected eof")
	})
	env.start(t)

	_, err := env.m.CacheSync(context.Background(), models.AdTypeBanner)
	if !errors.Is(err, ErrNoFill) {
		t.Fatalf("expected no fill, got %v", err)
	}
	if !errors.Is(err, ErrBadServerResponse) {
		t.Errorf("expected joined cause to include bad server response, got %v", err)
	}

	env.m.Flush()
	ev, ok := env.rec.last(EventFailedToLoad)
	if !ok || ev.AdType != models.AdTypeBanner || ev.Err == nil {
		t.Fatalf("expected failed_to_load event, got %+v", ev)
	}
	req, ok := env.rec.last(EventRequested)
	if !ok || req.RequestID != ev.RequestID {
		t.Errorf("request and failure should share a request id")
	}
	if got := env.metrics.Count("nofills", "banner"); got != 1 {
		t.Errorf("expected one no-fill, got %d", got)
	}
}

func TestWaterfallSuppressesAfterNoFill(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["beta"].setLoad(fill(0.3))
	env.start(t)
	ctx := context.Background()

	if _, err := env.m.CacheSync(ctx, models.AdTypeVideo); err != nil {
		t.Fatalf("first load: %v", err)
	}
	env.m.cache.Take(models.AdTypeVideo, env.clock.Now())
	if _, err := env.m.CacheSync(ctx, models.AdTypeVideo); err != nil {
		t.Fatalf("second load: %v", err)
	}

	if calls := env.networks["alpha"].Calls(); calls != 1 {
		t.Errorf("alpha should be suppressed after no fill, called %d times", calls)
	}
	if got := env.metrics.Count("attempts", "alpha", "video", "skipped_suppressed"); got != 1 {
		t.Errorf("expected suppressed attempt, got %d", got)
	}
	// Suppression is per ad type.
	if _, err := env.m.CacheSync(ctx, models.AdTypeBanner); err != nil {
		t.Fatalf("banner load: %v", err)
	}
	if calls := env.networks["alpha"].Calls(); calls != 2 {
		t.Errorf("alpha should still be asked for banners, called %d times", calls)
	}
}

func TestWaterfallAttemptTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AttemptTimeout = 20 * time.Millisecond })
	env.networks["alpha"].setLoad(func(ctx context.Context, _ LoadRequest) (*models.Ad, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env.networks["beta"].setLoad(fill(2))
	env.start(t)

	ad, err := env.m.CacheSync(context.Background(), models.AdTypeInterstitial)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if ad.Network != "beta" {
		t.Errorf("expected beta after alpha timed out, got %s", ad.Network)
	}
	if got := env.metrics.Count("attempts", "alpha", "interstitial", "timeout"); got != 1 {
		t.Errorf("expected a timeout attempt, got %d", got)
	}
}

func TestWaterfallParentCancelAborts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	env.networks["alpha"].setLoad(func(context.Context, LoadRequest) (*models.Ad, error) {
		cancel()
		return nil, context.Canceled
	})
	env.networks["beta"].setLoad(fill(5))
	env.start(t)

	_, err := env.m.CacheSync(ctx, models.AdTypeInterstitial)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if code, _ := CodeOf(err); code != CodeTimeout {
		t.Errorf("expected timeout code, got %s", code)
	}
	if env.networks["beta"].Calls() != 0 {
		t.Errorf("beta must not be tried after cancellation")
	}
}

func TestWaterfallSkips(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		prepare func(*testEnv)
		outcome string
	}{
		{
			name:    "consent",
			mutate:  func(o *Options) { o.Consent = denyVendor(10) },
			prepare: func(e *testEnv) { e.m.SetConsent(true, "") },
			outcome: "skipped_consent",
		},
		{
			name:    "rate limit",
			mutate:  func(o *Options) { o.Limiter = denyNetwork("alpha") },
			outcome: "skipped_rate_limit",
		},
		{
			name:    "runtime disable",
			prepare: func(e *testEnv) { e.m.DisableNetwork(models.AdTypeBanner, "alpha") },
			outcome: "skipped_disabled",
		},
		{
			name: "store disable",
			prepare: func(e *testEnv) {
				if err := e.store.SetNetworkEnabled("alpha", false); err != nil {
					panic(err)
				}
			},
			outcome: "skipped_disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			env.networks["alpha"].setLoad(fill(9))
			env.networks["beta"].setLoad(fill(0.1))
			env.start(t)
			if tt.prepare != nil {
				tt.prepare(env)
			}

			ad, err := env.m.CacheSync(context.Background(), models.AdTypeBanner)
			if err != nil {
				t.Fatalf("cache: %v", err)
			}
			if ad.Network != "beta" {
				t.Errorf("expected beta, got %s", ad.Network)
			}
			if env.networks["alpha"].Calls() != 0 {
				t.Errorf("alpha should not be called")
			}
			if got := env.metrics.Count("attempts", "alpha", "banner", tt.outcome); got != 1 {
				t.Errorf("expected %s attempt, got %d", tt.outcome, got)
			}
		})
	}
}

func TestWaterfallPassesEntryAndRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["alpha"].setLoad(fill(3))
	env.start(t)
	env.m.SetUserAge(33)
	env.m.SetTargeting("level", "7")

	if _, err := env.m.CacheSync(context.Background(), models.AdTypeRewardedVideo); err != nil {
		t.Fatalf("cache: %v", err)
	}
	alpha := env.networks["alpha"]
	alpha.mu.Lock()
	defer alpha.mu.Unlock()
	req := alpha.reqs[0]
	if req.Entry.PlacementID != "a-rewarded_video" || req.Config.GDPRVendorID != 10 {
		t.Errorf("unexpected entry/config %+v %+v", req.Entry, req.Config)
	}
	if req.Request.User.Age != 33 || req.Request.Targeting["level"] != "7" {
		t.Errorf("request template not applied: %+v", req.Request)
	}
	if req.Request.AdType != models.AdTypeRewardedVideo {
		t.Errorf("expected rewarded video request, got %s", req.Request.AdType)
	}
}

func TestWaterfallDefaultTTLOption(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AdTTL = 5 * time.Minute })
	env.networks["alpha"].setLoad(fill(2))
	env.start(t)

	ad, err := env.m.CacheSync(context.Background(), models.AdTypeBanner)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if !ad.ExpiresAt.Equal(env.clock.Now().Add(5 * time.Minute)) {
		t.Errorf("expected configured ttl, got expiry %s", ad.ExpiresAt)
	}
}
