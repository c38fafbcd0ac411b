package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/openmediation/internal/analytics"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/networks"
	"github.com/patrickwarner/openmediation/internal/observability"
	"github.com/patrickwarner/openmediation/internal/reporting"
	"github.com/patrickwarner/openmediation/internal/token"
)

const (
	iphoneUA   = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"
	noConsents = "CPfCRQAPfCRQAAAAAAENCgCAAAAAAAAAAAAAAAAAAAAA"
)

type testServer struct {
	srv     *Server
	handler http.Handler
	m       *mediation.Mediator
	metrics *observability.MockMetricsRegistry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*mediation.Options)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := models.NewInMemoryMediationStore()
	nets := []models.NetworkConfig{{Name: "demo", Kind: models.NetworkKindStub, Enabled: true}}
	entries := []models.WaterfallEntry{
		{Network: "demo", AdType: models.AdTypeInterstitial, Priority: 1, FloorCPM: 2, PlacementID: "demo-int", Enabled: true},
		{Network: "demo", AdType: models.AdTypeVideo, Priority: 1, FloorCPM: 3, PlacementID: "demo-vid", Enabled: true},
		{Network: "demo", AdType: models.AdTypeBanner, Priority: 1, FloorCPM: 1, PlacementID: "demo-ban", Enabled: true},
	}
	require.NoError(t, store.ReloadAll(nets, entries, nil))

	reg := networks.NewRegistry(networks.Deps{Store: store, Logger: logger})
	require.NoError(t, reg.Sync(context.Background(), store.GetAllNetworks(), ""))

	metrics := observability.NewMockMetricsRegistry()
	opts := mediation.Options{
		Store:          store,
		Networks:       reg,
		Metrics:        metrics,
		Logger:         logger,
		AttemptTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := mediation.New(opts)
	m.SetAutocache(false, models.AdTypeAll)
	t.Cleanup(m.Close)

	srv := NewServer(logger, m, reg, store, metrics, []byte("secret"), time.Hour)
	return &testServer{srv: srv, handler: srv.Router(), m: m, metrics: metrics}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("User-Agent", iphoneUA)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) initialize(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/initialize", `{"app_key":"app","ad_types":"interstitial,video,banner"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNotInitialized(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/cache/sync?type=interstitial", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/initialize", `{"ad_types":"banner"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShowLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodGet, "/v1/ready?style=interstitial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":false}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/show?style=interstitial", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/cache/sync?type=interstitial", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ad models.Ad
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ad))
	assert.Equal(t, "demo", ad.Network)
	assert.Equal(t, 2.0, ad.Price)

	rec = ts.do(t, http.MethodPost, "/v1/cache/sync?type=video", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/show?style=interstitial&placement=level_end&user=u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var shown showResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	assert.Equal(t, ad.RequestID, shown.Ad.RequestID)
	claims, err := token.Verify(shown.Token, []byte("secret"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Empty(t, ts.m.User().ID, "show must not rewrite the template user")

	// One fullscreen ad at a time.
	rec = ts.do(t, http.MethodPost, "/v1/show?style=video", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/click?t="+shown.Token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/finish?t="+shown.Token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "interstitials do not finish")
	rec = ts.do(t, http.MethodPost, "/v1/dismiss?t="+shown.Token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/dismiss?t="+shown.Token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/show?style=video", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, ts.metrics.Count("requests", "show", "POST", "409"))
	assert.Empty(t, ts.m.RequestTemplate().Device.Type, "client facts stay on the request")
}

func TestCallbackTokens(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPost, "/v1/click", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/click?t=forged.token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCacheAsync(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPost, "/v1/cache?type=banner", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return ts.m.IsReadyForShow(models.ShowStyleBannerBottom)
	}, 2*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodPost, "/v1/show?style=banner_bottom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/banner/hide", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, ts.m.BannerVisible())

	rec = ts.do(t, http.MethodPost, "/v1/cache?type=hologram", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheSyncNoFill(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPost, "/v1/cache/sync?type=native", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Mediation-Error"))
}

func TestUserAndConsent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/v1/user", `{"id":"u7","gender":"female","birthday":"1990-05-01","interests":["chess"],"context_query":"puzzle"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	u := ts.m.User()
	assert.Equal(t, "u7", u.ID)
	assert.Equal(t, models.GenderFemale, u.Gender)
	assert.Equal(t, 1990, u.Birthday.Year())
	assert.Equal(t, "puzzle", ts.m.RequestTemplate().ContextQuery)

	rec = ts.do(t, http.MethodPut, "/v1/user", `{"birthday":"05/01/1990"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/v1/user", `{"location":{"lat":120,"lon":0}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/consent", `{"gdpr_applies":true,"consent":"garbage"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/v1/consent", `{"gdpr_applies":true,"consent":"`+noConsents+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	tpl := ts.m.RequestTemplate()
	assert.True(t, tpl.GDPRApplies)
	assert.Equal(t, noConsents, tpl.Consent)
}

func TestNetworkToggleAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPut, "/v1/networks/ghost", `{"types":"banner","enabled":false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPut, "/v1/networks/demo", `{"types":"banner","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPut, "/v1/autocache", `{"types":"video","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Initialized)
	assert.Equal(t, "app", st.AppKey)
	require.Len(t, st.Networks, 1)
	for _, ty := range st.Types {
		if ty.AdType == "banner" {
			assert.Equal(t, []string{"demo"}, ty.Disabled)
		}
		assert.Nil(t, ty.LastRun)
	}
}

func TestReloadAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	calls := 0
	ts.srv.Reloader = func(context.Context) error {
		calls++
		if calls > 1 {
			return errors.New("store down")
		}
		return nil
	}
	rec = ts.do(t, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/events/req-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/report", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ts.srv.Analytics = analytics.New(db, ts.metrics)

	rec = ts.do(t, http.MethodGet, "/v1/report?hours=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	mock.ExpectQuery("FROM mediation_events").WithArgs(6).WillReturnRows(
		sqlmock.NewRows([]string{"ad_type", "requests", "fills", "failures", "expired", "fill_rate"}).
			AddRow("banner", 4, 2, 2, 0, 50.0))
	mock.ExpectQuery("FROM mediation_events").WithArgs(6).WillReturnRows(
		sqlmock.NewRows([]string{"network", "ad_type", "fills", "shows", "clicks", "ctr", "ecpm", "revenue"}))

	rec = ts.do(t, http.MethodGet, "/v1/report?hours=6", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report reporting.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 6, report.Hours)
	require.Len(t, report.AdTypes, 1)
	assert.Equal(t, 50.0, report.AdTypes[0].FillRate)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, ts.metrics.Count("requests", "report", "GET", "200"))
}

// gateCapper holds the first Allow call for user until release is closed.
type gateCapper struct {
	user    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	users []string
}

func (c *gateCapper) Allow(_ context.Context, user string, _ models.AdType) bool {
	if user == c.user {
		c.once.Do(func() {
			close(c.entered)
			<-c.release
		})
	}
	return true
}

func (c *gateCapper) Record(_ context.Context, user string, _ models.AdType) error {
	c.mu.Lock()
	c.users = append(c.users, user)
	c.mu.Unlock()
	return nil
}

func TestShowKeepsUserPerRequest(t *testing.T) {
	capper := &gateCapper{user: "alice", entered: make(chan struct{}), release: make(chan struct{})}
	ts := newTestServerWith(t, func(o *mediation.Options) { o.ShowCapper = capper })
	ts.initialize(t)
	rec := ts.do(t, http.MethodPost, "/v1/cache/sync?type=banner", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.do(t, http.MethodPost, "/v1/show?style=banner_top&user=alice", "")
	}()
	<-capper.entered

	rec = ts.do(t, http.MethodPost, "/v1/show?style=interstitial&user=bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	close(capper.release)

	rec = <-done
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var shown showResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	claims, err := token.Verify(shown.Token, []byte("secret"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	capper.mu.Lock()
	defer capper.mu.Unlock()
	assert.Equal(t, []string{"alice"}, capper.users)
}

func TestTargetingStaysOnRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	var seen []models.AdRequest
	var mu sync.Mutex
	ts.m.SetDelegate(models.AdTypeAll, mediation.DelegateFunc(func(e mediation.Event) {
		if e.Kind == mediation.EventRequested && e.Request != nil {
			mu.Lock()
			seen = append(seen, *e.Request)
			mu.Unlock()
		}
	}))

	rec := ts.do(t, http.MethodPost, "/v1/cache/sync?type=interstitial", "")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/sync?type=banner", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	ts.m.Flush()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "mobile", seen[0].Device.Type)
	assert.Equal(t, "desktop", seen[1].Device.Type)
	assert.Empty(t, ts.m.RequestTemplate().Device.Type)
}
