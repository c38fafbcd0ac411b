package reporting

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(adTypeQuery)).WithArgs(24).WillReturnRows(
		sqlmock.NewRows([]string{"ad_type", "requests", "fills", "failures", "expired", "fill_rate"}).
			AddRow("banner", 10, 8, 2, 1, 80.0).
			AddRow("video", 4, 1, 3, 0, 25.0))
	mock.ExpectQuery(regexp.QuoteMeta(networkQuery)).WithArgs(24).WillReturnRows(
		sqlmock.NewRows([]string{"network", "ad_type", "fills", "shows", "clicks", "ctr", "ecpm", "revenue"}).
			AddRow("dsp", "banner", 6, 5, 1, 20.0, 2.5, 0.0125))

	r, err := Generate(context.Background(), db, 24)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 24, r.Hours)
	require.Len(t, r.AdTypes, 2)
	assert.Equal(t, AdTypeMetrics{AdType: "banner", Requests: 10, Fills: 8, Failures: 2, Expired: 1, FillRate: 80}, r.AdTypes[0])
	require.Len(t, r.Networks, 1)
	assert.Equal(t, "dsp", r.Networks[0].Network)
	assert.InDelta(t, 0.0125, r.Networks[0].Revenue, 1e-9)
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(context.Background(), nil, 24)
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = Generate(context.Background(), db, 0)
	assert.Error(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(adTypeQuery)).WillReturnError(errors.New("boom"))
	_, err = Generate(context.Background(), db, 1)
	assert.ErrorContains(t, err, "get ad type metrics")
}
