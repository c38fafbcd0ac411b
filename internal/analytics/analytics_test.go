package analytics

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

func newMockAnalytics(t *testing.T) (*Analytics, sqlmock.Sqlmock, *observability.MockMetricsRegistry) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Unexpected error stubbing DB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	metrics := observability.NewMockMetricsRegistry()
	return New(db, metrics), mock, metrics
}

func TestRecordEventLoaded(t *testing.T) {
	a, mock, _ := newMockAnalytics(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := &models.AdRequest{Country: "DE", Placement: "menu", Device: models.Device{Type: "mobile"}}

	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs(ts, "loaded", "interstitial", "dsp", "req-1", "ad-1", 2.5, nil, "DE", "mobile", "menu").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := mediation.Event{
		Kind:      mediation.EventLoaded,
		AdType:    models.AdTypeInterstitial,
		Network:   "dsp",
		RequestID: "req-1",
		Ad:        &models.Ad{ID: "ad-1", Price: 2.5},
		Time:      ts,
		Request:   req,
	}
	if err := a.RecordEvent(context.Background(), e, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations not met: %v", err)
	}
}

func TestRecordEventFailure(t *testing.T) {
	a, mock, metrics := newMockAnalytics(t)
	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs(sqlmock.AnyArg(), "failed_to_load", "banner", "", "req-2", "", 0.0, "no_fill", nil, nil, nil).
		WillReturnError(errors.New("connection reset"))

	e := mediation.Event{
		Kind:      mediation.EventFailedToLoad,
		AdType:    models.AdTypeBanner,
		RequestID: "req-2",
		Err:       mediation.NewError(mediation.CodeNoFill, "", models.AdTypeBanner, nil),
	}
	if err := a.RecordEvent(context.Background(), e, nil); err == nil {
		t.Fatal("expected insert error")
	}
	if got := metrics.Count("analytics_errors"); got != 1 {
		t.Errorf("expected analytics error metric, got %d", got)
	}
}

func TestRecordEventUnavailable(t *testing.T) {
	var a *Analytics
	if err := a.RecordEvent(context.Background(), mediation.Event{}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := a.EventsByRequestID(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestEventsByRequestID(t *testing.T) {
	a, mock, _ := newMockAnalytics(t)
	ts := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(selectByRequestSQL)).WithArgs("req-1").WillReturnRows(
		sqlmock.NewRows([]string{"timestamp", "kind", "ad_type", "network", "request_id", "ad_id", "price", "error_code", "country", "device_type", "placement"}).
			AddRow(ts, "requested", "interstitial", "", "req-1", "", 0.0, nil, "DE", nil, nil).
			AddRow(ts, "loaded", "interstitial", "dsp", "req-1", "ad-1", 1.5, nil, "DE", nil, nil))

	events, err := a.EventsByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 || events[1].Network != "dsp" || events[1].Price != 1.5 {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Country == nil || *events[0].Country != "DE" || events[0].DeviceType != nil {
		t.Errorf("unexpected nullable columns %+v", events[0])
	}
}

func TestSinkFlushesOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := NewMock()
	s := NewSink(rec, 16, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		s.HandleEvent(mediation.Event{Kind: mediation.EventRequested, RequestID: "r"})
	}
	s.Close()
	s.Close()
	s.HandleEvent(mediation.Event{Kind: mediation.EventLoaded})

	if got := len(rec.Events()); got != 5 {
		t.Errorf("expected 5 recorded events, got %d", got)
	}
}

func TestSinkIgnoresUnavailable(t *testing.T) {
	rec := NewMock()
	rec.Err = ErrUnavailable
	s := NewSink(rec, 0, nil)
	s.HandleEvent(mediation.Event{Kind: mediation.EventRequested})
	s.Close()
	if len(rec.Events()) != 0 {
		t.Error("expected no events recorded")
	}
}
