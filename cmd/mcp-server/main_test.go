package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/models"
)

type fakeStore struct {
	setup    db.Setup
	upserted []models.WaterfallEntry
	toggled  map[string]bool
}

func (f *fakeStore) LoadSetup(context.Context) (db.Setup, error) { return f.setup, nil }

func (f *fakeStore) SetNetworkEnabled(_ context.Context, name string, enabled bool) error {
	for _, n := range f.setup.Networks {
		if n.Name == name {
			f.toggled[name] = enabled
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeStore) UpsertWaterfallEntry(_ context.Context, e models.WaterfallEntry) error {
	f.upserted = append(f.upserted, e)
	return nil
}

type fakeNotifier struct {
	reasons []string
	err     error
}

func (f *fakeNotifier) PublishUpdate(_ context.Context, reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.err
}

func newFixture(t *testing.T) (*ToolServer, *fakeStore, *fakeNotifier) {
	store := &fakeStore{
		toggled: map[string]bool{},
		setup: db.Setup{
			Networks: []models.NetworkConfig{
				{Name: "dsp", Kind: models.NetworkKindOpenRTB, Enabled: true},
				{Name: "house", Kind: models.NetworkKindHouse, Enabled: true},
			},
			Waterfall: []models.WaterfallEntry{
				{Network: "house", AdType: models.AdTypeBanner, Priority: 9, Enabled: true},
				{Network: "dsp", AdType: models.AdTypeBanner, Priority: 1, FloorCPM: 1.5, PlacementID: "b1", Enabled: true},
				{Network: "dsp", AdType: models.AdTypeVideo, Priority: 1, PlacementID: "v1", Enabled: false},
			},
		},
	}
	n := &fakeNotifier{}
	return NewToolServer(store, n, zaptest.NewLogger(t)), store, n
}

func TestListWaterfall(t *testing.T) {
	ts, _, _ := newFixture(t)
	ctx := context.Background()

	_, out, err := ts.ListWaterfall(ctx, nil, ListWaterfallInput{})
	require.NoError(t, err)
	require.Len(t, out.Waterfalls, 2)
	banner := out.Waterfalls["banner"]
	require.Len(t, banner, 2)
	assert.Equal(t, "dsp", banner[0].Network)
	assert.Equal(t, models.NetworkKindOpenRTB, banner[0].NetworkKind)
	assert.Equal(t, "house", banner[1].Network)
	assert.False(t, out.Waterfalls["video"][0].Enabled)

	_, out, err = ts.ListWaterfall(ctx, nil, ListWaterfallInput{AdType: "video"})
	require.NoError(t, err)
	assert.Len(t, out.Waterfalls, 1)

	_, _, err = ts.ListWaterfall(ctx, nil, ListWaterfallInput{AdType: "hologram"})
	assert.Error(t, err)
}

func TestSetNetworkEnabledTool(t *testing.T) {
	ts, store, n := newFixture(t)
	ctx := context.Background()

	_, out, err := ts.SetNetworkEnabled(ctx, nil, SetNetworkEnabledInput{Network: "dsp", Enabled: false})
	require.NoError(t, err)
	assert.True(t, out.Notified)
	assert.Equal(t, false, store.toggled["dsp"])
	assert.Equal(t, []string{"network dsp"}, n.reasons)

	_, _, err = ts.SetNetworkEnabled(ctx, nil, SetNetworkEnabledInput{Network: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = ts.SetNetworkEnabled(ctx, nil, SetNetworkEnabledInput{})
	assert.Error(t, err)

	n.err = errors.New("redis down")
	_, out, err = ts.SetNetworkEnabled(ctx, nil, SetNetworkEnabledInput{Network: "house", Enabled: true})
	require.NoError(t, err, "a failed notification does not fail the change")
	assert.False(t, out.Notified)
}

func TestUpsertWaterfallEntryTool(t *testing.T) {
	ts, store, _ := newFixture(t)
	ctx := context.Background()
	off := false

	_, out, err := ts.UpsertWaterfallEntry(ctx, nil, UpsertEntryInput{
		Network: "dsp", AdType: "interstitial", Priority: 2, FloorCPM: 3, PlacementID: "i1", Enabled: &off,
	})
	require.NoError(t, err)
	assert.Equal(t, "saved", out.Status)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, models.WaterfallEntry{
		Network: "dsp", AdType: models.AdTypeInterstitial, Priority: 2, FloorCPM: 3, PlacementID: "i1",
	}, store.upserted[0])

	bad := []UpsertEntryInput{
		{Network: "dsp", AdType: "banner|video"},
		{Network: "dsp", AdType: "nope"},
		{AdType: "banner"},
		{Network: "dsp", AdType: "banner", FloorCPM: -1},
		{Network: "ghost", AdType: "banner"},
	}
	for _, in := range bad {
		_, _, err := ts.UpsertWaterfallEntry(ctx, nil, in)
		assert.Error(t, err, "%+v", in)
	}
	assert.Len(t, store.upserted, 1)
}

func TestValidateWaterfallTool(t *testing.T) {
	ts, _, _ := newFixture(t)

	_, out, err := ts.ValidateWaterfall(context.Background(), nil, ValidateWaterfallInput{YAML: `
networks:
  - name: demo
    kind: stub
waterfall:
  banner|native:
    - network: demo
      priority: 1
`})
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.Equal(t, 1, out.Networks)
	assert.Equal(t, 2, out.Entries)

	_, out, err = ts.ValidateWaterfall(context.Background(), nil, ValidateWaterfallInput{YAML: `
waterfall:
  banner:
    - network: missing
`})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Error)
}

func TestNewMCPServer(t *testing.T) {
	ts, _, _ := newFixture(t)
	assert.NotNil(t, newMCPServer(ts, "test"))
}
