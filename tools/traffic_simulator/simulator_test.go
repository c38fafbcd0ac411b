package main

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/openmediation/internal/api"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/networks"
	"github.com/patrickwarner/openmediation/internal/observability"
)

func newMediationServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := models.NewInMemoryMediationStore()
	nets := []models.NetworkConfig{{Name: "demo", Kind: models.NetworkKindStub, Enabled: true}}
	var entries []models.WaterfallEntry
	for _, ty := range models.AdTypeAll.Split() {
		entries = append(entries, models.WaterfallEntry{Network: "demo", AdType: ty, Priority: 1, FloorCPM: 1, PlacementID: "demo-" + ty.String(), Enabled: true})
	}
	require.NoError(t, store.ReloadAll(nets, entries, nil))

	reg := networks.NewRegistry(networks.Deps{Store: store, Logger: logger})
	require.NoError(t, reg.Sync(context.Background(), store.GetAllNetworks(), ""))

	metrics := observability.NewMockMetricsRegistry()
	m := mediation.New(mediation.Options{Store: store, Networks: reg, Metrics: metrics, Logger: logger, AttemptTimeout: time.Second})
	m.SetAutocache(false, models.AdTypeAll)
	require.NoError(t, m.Initialize(context.Background(), "app", models.AdTypeNone))
	t.Cleanup(m.Close)

	srv := httptest.NewServer(api.NewServer(logger, m, reg, store, metrics, []byte("secret"), time.Hour).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionAgainstServer(t *testing.T) {
	srv := newMediationServer(t)
	sim := &Simulator{
		Server:     srv.URL,
		Styles:     []models.ShowStyle{models.ShowStyleInterstitial, models.ShowStyleVideo, models.ShowStyleBannerBottom},
		Placements: []string{"level_end"},
		Users:      3,
		ClickRate:  1,
		Client:     srv.Client(),
		Logger:     zaptest.NewLogger(t),
	}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 6; i++ {
		require.NoError(t, sim.Session(context.Background(), r))
	}
	assert.Equal(t, uint64(6), sim.Stats.Sessions.Load())
	assert.Equal(t, uint64(6), sim.Stats.Shown.Load())
	assert.Equal(t, uint64(6), sim.Stats.Clicks.Load())
	assert.Zero(t, sim.Stats.Errors.Load())
}

func TestParseStyles(t *testing.T) {
	st, err := parseStyles("interstitial, banner_top")
	require.NoError(t, err)
	assert.Equal(t, []models.ShowStyle{models.ShowStyleInterstitial, models.ShowStyleBannerTop}, st)

	_, err = parseStyles("hologram")
	assert.Error(t, err)
}
