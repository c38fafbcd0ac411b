package openrtb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/adcom1"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

func newNetwork(t *testing.T, url string, retries int) *Network {
	t.Helper()
	n := New(models.NetworkConfig{Name: "dsp", Kind: models.NetworkKindOpenRTB, Endpoint: url, MaxRetries: retries}, nil, nil, zaptest.NewLogger(t))
	n.RetryInterval = time.Millisecond
	require.NoError(t, n.Initialize(context.Background(), "app-1"))
	return n
}

func loadReq(t models.AdType) mediation.LoadRequest {
	return mediation.LoadRequest{
		Request: &models.AdRequest{
			ID:          "req-1",
			AdType:      t,
			Country:     "DE",
			Device:      models.Device{UA: "ua", IP: "10.0.0.1", IFA: "ifa", LimitAdTracking: true, Type: "mobile"},
			User:        models.UserMetadata{ID: "u1", Gender: models.GenderFemale, Age: 30, Interests: []string{"chess", "go"}},
			GDPRApplies: true,
			Consent:     "CONSENT",
			Test:        true,
			CreatedAt:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		Entry: models.WaterfallEntry{Network: "dsp", AdType: t, PlacementID: "slot-7", FloorCPM: 1.5},
	}
}

func TestBuildRequest(t *testing.T) {
	lr := loadReq(models.AdTypeRewardedVideo)
	lr.Request.ContextTags = []string{"sports"}
	r := BuildRequest(lr, "app-1")

	require.Len(t, r.Imp, 1)
	imp := r.Imp[0]
	assert.Equal(t, "slot-7", imp.TagID)
	assert.Equal(t, 1.5, imp.BidFloor)
	assert.Equal(t, int8(1), imp.Instl)
	assert.Equal(t, int8(1), imp.Rwdd)
	require.NotNil(t, imp.Video)
	assert.Nil(t, imp.Banner)

	assert.Equal(t, "app-1", r.App.ID)
	assert.Equal(t, "sports", r.App.Keywords)
	assert.Equal(t, int8(1), r.Test)
	require.NotNil(t, r.Regs)
	assert.Equal(t, int8(1), *r.Regs.GDPR)
	assert.Equal(t, "CONSENT", r.User.Consent)
	assert.Equal(t, "F", r.User.Gender)
	assert.Equal(t, int64(1994), r.User.Yob)
	assert.Equal(t, "chess,go", r.User.Keywords)
	assert.Equal(t, adcom1.DevicePhone, r.Device.DeviceType)
	require.NotNil(t, r.Device.Lmt)
	assert.Equal(t, int8(1), *r.Device.Lmt)
	assert.Equal(t, "DE", r.Device.Geo.Country)

	banner := BuildRequest(loadReq(models.AdTypeBanner), "app-1").Imp[0]
	require.NotNil(t, banner.Banner)
	assert.Equal(t, int64(320), *banner.Banner.W)
	assert.Equal(t, int8(0), banner.Instl)
}

func TestLoadBestBid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req openrtb2.BidRequest
		if err := json.Unmarshal(body, &req); err != nil || len(req.Imp) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := openrtb2.BidResponse{
			ID:  req.ID,
			Cur: "USD",
			SeatBid: []openrtb2.SeatBid{{
				Seat: "seat-a",
				Bid: []openrtb2.Bid{
					{ID: "b1", ImpID: "1", Price: 2, AdM: "<div>low</div>"},
					{ID: "b2", ImpID: "1", Price: 3.5, AdM: "<div>${AUCTION_PRICE}</div>", NURL: "https://win.example/?p=${AUCTION_PRICE}&r=${AUCTION_ID}", W: 320, H: 480, Exp: 60},
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	n := newNetwork(t, srv.URL, 0)
	ad, err := n.Load(context.Background(), loadReq(models.AdTypeInterstitial))
	require.NoError(t, err)
	assert.Equal(t, 3.5, ad.Price)
	assert.Equal(t, "<div>3.5</div>", ad.Markup)
	assert.Equal(t, []string{"https://win.example/?p=3.5&r=req-1"}, ad.ImpressionURLs)
	assert.Equal(t, 320, ad.Width)
	assert.Equal(t, 60*time.Second, ad.ExpiresAt.Sub(ad.LoadedAt))
}

func TestLoadStatusHandling(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"no content", http.StatusNoContent, "", mediation.ErrNoFill},
		{"empty seatbid", http.StatusOK, `{"id":"req-1","seatbid":[]}`, mediation.ErrNoFill},
		{"malformed json", http.StatusOK, `{"id":`, mediation.ErrBadServerResponse},
		{"bad request", http.StatusBadRequest, "", mediation.ErrBadServerResponse},
		{"no markup", http.StatusOK, `{"id":"req-1","seatbid":[{"bid":[{"id":"b","impid":"1","price":1}]}]}`, mediation.ErrBadServerResponse},
		{"server error", http.StatusServiceUnavailable, "", mediation.ErrServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			n := newNetwork(t, srv.URL, 0)
			_, err := n.Load(context.Background(), loadReq(models.AdTypeBanner))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"req-1","seatbid":[{"bid":[{"id":"b","impid":"1","price":2,"adm":"<p>ok</p>"}]}]}`))
	}))
	defer srv.Close()

	n := newNetwork(t, srv.URL, 2)
	ad, err := n.Load(context.Background(), loadReq(models.AdTypeBanner))
	require.NoError(t, err)
	assert.Equal(t, "<p>ok</p>", ad.Markup)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	n = newNetwork(t, srv.URL, 1)
	_, err = n.Load(context.Background(), loadReq(models.AdTypeBanner))
	assert.ErrorIs(t, err, mediation.ErrServiceUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadPreconditions(t *testing.T) {
	n := New(models.NetworkConfig{Name: "dsp", Endpoint: "http://127.0.0.1:1"}, nil, nil, nil)
	_, err := n.Load(context.Background(), loadReq(models.AdTypeBanner))
	assert.ErrorIs(t, err, mediation.ErrNotInitialized)

	require.NoError(t, n.Initialize(context.Background(), "k"))
	lr := loadReq(models.AdTypeBanner)
	lr.Entry.PlacementID = ""
	_, err = n.Load(context.Background(), lr)
	assert.ErrorIs(t, err, mediation.ErrEmptyBlockID)

	bad := New(models.NetworkConfig{Name: "dsp", Endpoint: "not a url"}, nil, nil, nil)
	assert.Error(t, bad.Initialize(context.Background(), "k"))
	assert.ErrorIs(t, bad.Initialize(context.Background(), ""), mediation.ErrEmptyAppKey)
}
