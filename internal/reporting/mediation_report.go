// Package reporting summarizes mediation events stored in ClickHouse.
package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdTypeMetrics covers waterfall outcomes for one ad type.
// FillRate is a percentage (0-100) of requests that ended in a load.
type AdTypeMetrics struct {
	AdType   string  `json:"ad_type"`
	Requests int64   `json:"requests"`
	Fills    int64   `json:"fills"`
	Failures int64   `json:"failures"`
	Expired  int64   `json:"expired"`
	FillRate float64 `json:"fill_rate"`
}

// NetworkMetrics covers delivery for one network and ad type. Revenue is
// derived from the CPM of presented ads.
type NetworkMetrics struct {
	Network string  `json:"network"`
	AdType  string  `json:"ad_type"`
	Fills   int64   `json:"fills"`
	Shows   int64   `json:"shows"`
	Clicks  int64   `json:"clicks"`
	CTR     float64 `json:"ctr"`
	ECPM    float64 `json:"ecpm"`
	Revenue float64 `json:"revenue"`
}

// Report is the mediation summary over the last Hours hours.
type Report struct {
	Hours       int              `json:"hours"`
	GeneratedAt time.Time        `json:"generated_at"`
	AdTypes     []AdTypeMetrics  `json:"ad_types"`
	Networks    []NetworkMetrics `json:"networks"`
}

const adTypeQuery = `
		SELECT
			ad_type,
			countIf(kind = 'requested') as requests,
			countIf(kind = 'loaded') as fills,
			countIf(kind = 'failed_to_load') as failures,
			countIf(kind = 'expired') as expired,
			round(if(requests > 0, fills / requests * 100, 0), 2) as fill_rate
		FROM mediation_events
		WHERE timestamp >= now() - INTERVAL ? HOUR
		GROUP BY ad_type
		ORDER BY ad_type`

const networkQuery = `
		SELECT
			network,
			ad_type,
			countIf(kind = 'loaded') as fills,
			countIf(kind = 'presented') as shows,
			countIf(kind = 'clicked') as clicks,
			round(if(shows > 0, clicks / shows * 100, 0), 2) as ctr,
			round(avgIf(price, kind = 'presented'), 4) as ecpm,
			round(sumIf(price, kind = 'presented') / 1000, 4) as revenue
		FROM mediation_events
		WHERE network != ''
			AND timestamp >= now() - INTERVAL ? HOUR
		GROUP BY network, ad_type
		ORDER BY revenue DESC, network`

// Generate builds a Report for the trailing window of hours.
func Generate(ctx context.Context, db *sql.DB, hours int) (*Report, error) {
	if db == nil {
		return nil, errors.New("reporting: no database")
	}
	if hours <= 0 {
		return nil, fmt.Errorf("reporting: hours must be positive, got %d", hours)
	}

	r := &Report{Hours: hours, GeneratedAt: time.Now().UTC()}
	var err error
	if r.AdTypes, err = adTypeMetrics(ctx, db, hours); err != nil {
		return nil, fmt.Errorf("get ad type metrics: %w", err)
	}
	if r.Networks, err = networkMetrics(ctx, db, hours); err != nil {
		return nil, fmt.Errorf("get network metrics: %w", err)
	}
	return r, nil
}

func adTypeMetrics(ctx context.Context, db *sql.DB, hours int) ([]AdTypeMetrics, error) {
	rows, err := db.QueryContext(ctx, adTypeQuery, hours)
	if err != nil {
		return nil, fmt.Errorf("query ad type metrics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []AdTypeMetrics
	for rows.Next() {
		var m AdTypeMetrics
		if err := rows.Scan(&m.AdType, &m.Requests, &m.Fills, &m.Failures, &m.Expired, &m.FillRate); err != nil {
			return nil, fmt.Errorf("scan ad type metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func networkMetrics(ctx context.Context, db *sql.DB, hours int) ([]NetworkMetrics, error) {
	rows, err := db.QueryContext(ctx, networkQuery, hours)
	if err != nil {
		return nil, fmt.Errorf("query network metrics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []NetworkMetrics
	for rows.Next() {
		var m NetworkMetrics
		if err := rows.Scan(&m.Network, &m.AdType, &m.Fills, &m.Shows, &m.Clicks, &m.CTR, &m.ECPM, &m.Revenue); err != nil {
			return nil, fmt.Errorf("scan network metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
