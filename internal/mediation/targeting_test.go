package mediation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openmediation/internal/models"
)

func TestTargetingAppliesToOneLoad(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["alpha"].setLoad(fill(2))
	env.start(t)
	env.m.SetDevice(models.Device{IFA: "ifa-1", Type: "desktop"}, "US", "CA")

	ctx := WithTargeting(context.Background(), Targeting{
		Device:  models.Device{UA: "ua", Type: "mobile", IP: "10.0.0.2"},
		Country: "DE",
	})
	_, err := env.m.CacheSync(ctx, models.AdTypeBanner)
	require.NoError(t, err)
	_, err = env.m.CacheSync(context.Background(), models.AdTypeInterstitial)
	require.NoError(t, err)

	alpha := env.networks["alpha"]
	alpha.mu.Lock()
	reqs := append([]LoadRequest(nil), alpha.reqs...)
	alpha.mu.Unlock()
	require.Len(t, reqs, 2)

	got := reqs[0].Request
	assert.Equal(t, "mobile", got.Device.Type)
	assert.Equal(t, "10.0.0.2", got.Device.IP)
	assert.Equal(t, "ifa-1", got.Device.IFA)
	assert.Equal(t, "DE", got.Country)
	assert.Empty(t, got.Region)

	plain := reqs[1].Request
	assert.Equal(t, "desktop", plain.Device.Type)
	assert.Equal(t, "US", plain.Country)

	tpl := env.m.RequestTemplate()
	assert.Equal(t, "desktop", tpl.Device.Type)
	assert.Equal(t, "US", tpl.Country)
}

func TestCacheCarriesTargetingToBackgroundLoad(t *testing.T) {
	env := newTestEnv(t, nil)
	env.networks["alpha"].setLoad(fill(2))
	env.start(t)

	ctx := WithTargeting(context.Background(), Targeting{Country: "RU", Region: "MOW"})
	require.NoError(t, env.m.Cache(ctx, models.AdTypeVideo))
	require.Eventually(t, func() bool {
		return env.m.IsReadyForShow(models.ShowStyleVideo)
	}, time.Second, 5*time.Millisecond)

	alpha := env.networks["alpha"]
	alpha.mu.Lock()
	defer alpha.mu.Unlock()
	require.Len(t, alpha.reqs, 1)
	assert.Equal(t, "RU", alpha.reqs[0].Request.Country)
	assert.Equal(t, "MOW", alpha.reqs[0].Request.Region)
}

func TestMergeDevice(t *testing.T) {
	cur := models.Device{UA: "old", Type: "desktop", IFA: "ifa-1", IP: "10.0.0.1"}
	got := mergeDevice(cur, models.Device{IP: "10.0.0.2"})
	assert.Equal(t, "old", got.UA)
	assert.Equal(t, "desktop", got.Type)
	assert.Equal(t, "ifa-1", got.IFA)
	assert.Equal(t, "10.0.0.2", got.IP)

	got = mergeDevice(cur, models.Device{UA: "new", Type: "mobile", LimitAdTracking: true})
	assert.Equal(t, "mobile", got.Type)
	assert.True(t, got.LimitAdTracking)
}

func TestTargetingFromEmptyContext(t *testing.T) {
	_, ok := TargetingFrom(context.Background())
	assert.False(t, ok)
}
