package stub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

func loadReq(t models.AdType, placement string, floor float64) mediation.LoadRequest {
	return mediation.LoadRequest{
		Request: &models.AdRequest{ID: "r1", AdType: t},
		Entry:   models.WaterfallEntry{Network: "stub", AdType: t, PlacementID: placement, FloorCPM: floor},
	}
}

func TestStubScriptThenFloor(t *testing.T) {
	n := New("stub", models.AdTypeBanner|models.AdTypeNative)
	ctx := context.Background()

	if _, err := n.Load(ctx, loadReq(models.AdTypeBanner, "b1", 1)); !errors.Is(err, mediation.ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := n.Initialize(ctx, "key"); err != nil {
		t.Fatalf("init: %v", err)
	}

	n.Enqueue(Response{Err: mediation.NewError(mediation.CodeNoFill, "stub", models.AdTypeBanner, nil)}, Response{Price: 4})
	if _, err := n.Load(ctx, loadReq(models.AdTypeBanner, "b1", 1)); !errors.Is(err, mediation.ErrNoFill) {
		t.Errorf("expected scripted no fill, got %v", err)
	}
	ad, err := n.Load(ctx, loadReq(models.AdTypeBanner, "b1", 1))
	if err != nil || ad.Price != 4 || ad.Width != 320 {
		t.Errorf("expected scripted fill, got %+v %v", ad, err)
	}
	ad, err = n.Load(ctx, loadReq(models.AdTypeNative, "n1", 2.5))
	if err != nil || ad.Price != 2.5 || len(ad.Native) == 0 {
		t.Errorf("expected floor fill with native payload, got %+v %v", ad, err)
	}
	if n.Loads() != 4 {
		t.Errorf("expected 4 loads, got %d", n.Loads())
	}
}

func TestStubEmptyPlacementAndDelay(t *testing.T) {
	n := New("stub", models.AdTypeInterstitial)
	_ = n.Initialize(context.Background(), "key")

	if _, err := n.Load(context.Background(), loadReq(models.AdTypeInterstitial, "", 0)); !errors.Is(err, mediation.ErrEmptyBlockID) {
		t.Errorf("expected empty block id, got %v", err)
	}

	n.Enqueue(Response{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := n.Load(ctx, loadReq(models.AdTypeInterstitial, "i1", 0)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
