package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/patrickwarner/openmediation/internal/models"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Unexpected error stubbing DB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Postgres{DB: db}, mock
}

func assertMockExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations not met: %v", err)
	}
}

func expectSetup(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(selectNetworksSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"name", "kind", "endpoint", "app_key", "gdpr_vendor_id", "timeout_ms", "ad_ttl_seconds", "max_retries", "rate_limit_capacity", "rate_limit_refill", "enabled"}).
			AddRow("dsp", "openrtb", "https://dsp.example/bid", nil, 32, 800, 600, 2, 50, 5, true).
			AddRow("house", "house", nil, nil, 0, 0, 0, 0, 0, 0, true))
	mock.ExpectQuery(regexp.QuoteMeta(selectEntriesSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"network", "ad_type", "priority", "floor_cpm", "placement_id", "enabled"}).
			AddRow("dsp", "interstitial", 1, 2.5, "R-M-1", true).
			AddRow("house", "interstitial", 9, 0.0, "", true))
	mock.ExpectQuery(regexp.QuoteMeta(selectHouseSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "ad_type", "markup", "native", "width", "height", "ecpm", "country", "device_type", "click_url", "active"}).
			AddRow("promo", "interstitial", "<div/>", nil, 320, 480, 0.1, nil, "mobile", "https://shop.example", true))
}

func TestLoadSetup(t *testing.T) {
	p, mock := newMock(t)
	expectSetup(mock)

	s, err := p.LoadSetup(context.Background())
	if err != nil {
		t.Fatalf("load setup: %v", err)
	}
	assertMockExpectations(t, mock)

	if len(s.Networks) != 2 || len(s.Waterfall) != 2 || len(s.House) != 1 {
		t.Fatalf("unexpected setup sizes: %+v", s)
	}
	dsp := s.Networks[0]
	if dsp.GDPRVendorID != 32 || dsp.Timeout != 800*time.Millisecond || dsp.AdTTL != 10*time.Minute || dsp.AppKey != "" {
		t.Errorf("unexpected network %+v", dsp)
	}
	if s.Waterfall[0].AdType != models.AdTypeInterstitial || s.Waterfall[0].FloorCPM != 2.5 {
		t.Errorf("unexpected entry %+v", s.Waterfall[0])
	}
	if h := s.House[0]; h.DeviceType != "mobile" || h.Country != "" || h.Native != nil || h.Width != 320 {
		t.Errorf("unexpected house creative %+v", h)
	}
}

func TestReloadIntoStore(t *testing.T) {
	p, mock := newMock(t)
	expectSetup(mock)
	store := models.NewInMemoryMediationStore()

	if _, err := Reload(context.Background(), p, store); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if w := store.GetWaterfall(models.AdTypeInterstitial); len(w) != 2 || w[0].Network != "dsp" {
		t.Errorf("unexpected waterfall %+v", w)
	}
}

func TestLoadWaterfallBadAdType(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectEntriesSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"network", "ad_type", "priority", "floor_cpm", "placement_id", "enabled"}).
			AddRow("dsp", "hologram", 1, 0.0, "x", true))
	if _, err := p.LoadWaterfall(context.Background()); err == nil {
		t.Error("expected error for unknown ad type")
	}
}

func TestSetNetworkEnabled(t *testing.T) {
	p, mock := newMock(t)
	q := regexp.QuoteMeta(`UPDATE networks SET enabled=$1 WHERE name=$2`)
	mock.ExpectExec(q).WithArgs(false, "dsp").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(true, "ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.SetNetworkEnabled(context.Background(), "dsp", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := p.SetNetworkEnabled(context.Background(), "ghost", true); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	assertMockExpectations(t, mock)
}

func TestReplaceAll(t *testing.T) {
	networks := []models.NetworkConfig{{Name: "dsp", Kind: "openrtb", Endpoint: "https://dsp.example", Timeout: time.Second, Enabled: true}}
	entries := []models.WaterfallEntry{{Network: "dsp", AdType: models.AdTypeBanner, Priority: 1, PlacementID: "b", Enabled: true}}
	house := []models.HouseCreative{{ID: "h", AdType: models.AdTypeNative, Native: []byte(`{"title":"x"}`), Active: true}}

	t.Run("commit", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM waterfall_entries").WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec("DELETE FROM house_creatives").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM networks").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO networks").
			WithArgs("dsp", "openrtb", "https://dsp.example", "", 0, int64(1000), int64(0), 0, 0, 0, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO waterfall_entries").
			WithArgs("dsp", "banner", 1, 0.0, "b", true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO house_creatives").
			WithArgs("h", "native", "", `{"title":"x"}`, 0, 0, 0.0, "", "", "", true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := p.ReplaceAll(context.Background(), networks, entries, house); err != nil {
			t.Fatalf("replace: %v", err)
		}
		assertMockExpectations(t, mock)
	})

	t.Run("rollback on failure", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM waterfall_entries").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM house_creatives").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM networks").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO networks").WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		if err := p.ReplaceAll(context.Background(), networks, entries, house); err == nil {
			t.Fatal("expected error")
		}
		assertMockExpectations(t, mock)
	})
}

func TestSetEntriesEnabled(t *testing.T) {
	p, mock := newMock(t)
	q := regexp.QuoteMeta(`UPDATE waterfall_entries SET enabled=$1 WHERE network=$2 AND ad_type = ANY($3)`)
	mock.ExpectExec(q).WithArgs(false, "dsp", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q).WithArgs(true, "dsp", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.SetEntriesEnabled(context.Background(), "dsp", models.AdTypeInterstitial|models.AdTypeVideo, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := p.SetEntriesEnabled(context.Background(), "dsp", models.AdTypeNative, true); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	assertMockExpectations(t, mock)
}
