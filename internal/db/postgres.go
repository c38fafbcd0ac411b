package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
)

// Postgres wraps a postgres DB connection holding the mediation setup.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS networks (
    name TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    endpoint TEXT,
    app_key TEXT,
    gdpr_vendor_id INT NOT NULL DEFAULT 0,
    timeout_ms INT NOT NULL DEFAULT 0,
    ad_ttl_seconds INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 0,
    rate_limit_capacity INT NOT NULL DEFAULT 0,
    rate_limit_refill INT NOT NULL DEFAULT 0,
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS waterfall_entries (
    network TEXT NOT NULL REFERENCES networks(name) ON DELETE CASCADE,
    ad_type TEXT NOT NULL,
    priority INT NOT NULL,
    floor_cpm DOUBLE PRECISION NOT NULL DEFAULT 0,
    placement_id TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (network, ad_type)
);

CREATE TABLE IF NOT EXISTS house_creatives (
    id TEXT PRIMARY KEY,
    ad_type TEXT NOT NULL,
    markup TEXT,
    native JSONB,
    width INT,
    height INT,
    ecpm DOUBLE PRECISION NOT NULL DEFAULT 0,
    country TEXT,
    device_type TEXT,
    click_url TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_waterfall_entries_ad_type ON waterfall_entries (ad_type, priority);
CREATE INDEX IF NOT EXISTS idx_house_creatives_ad_type ON house_creatives (ad_type) WHERE active = true;
`

const (
	selectNetworksSQL = `SELECT name, kind, endpoint, app_key, gdpr_vendor_id, timeout_ms, ad_ttl_seconds, max_retries, rate_limit_capacity, rate_limit_refill, enabled FROM networks ORDER BY name`
	selectEntriesSQL  = `SELECT network, ad_type, priority, floor_cpm, placement_id, enabled FROM waterfall_entries ORDER BY ad_type, priority, network`
	selectHouseSQL    = `SELECT id, ad_type, markup, native, width, height, ecpm, country, device_type, click_url, active FROM house_creatives ORDER BY id`

	upsertNetworkSQL = `INSERT INTO networks (name, kind, endpoint, app_key, gdpr_vendor_id, timeout_ms, ad_ttl_seconds, max_retries, rate_limit_capacity, rate_limit_refill, enabled)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (name) DO UPDATE SET kind=EXCLUDED.kind, endpoint=EXCLUDED.endpoint, app_key=EXCLUDED.app_key, gdpr_vendor_id=EXCLUDED.gdpr_vendor_id, timeout_ms=EXCLUDED.timeout_ms, ad_ttl_seconds=EXCLUDED.ad_ttl_seconds, max_retries=EXCLUDED.max_retries, rate_limit_capacity=EXCLUDED.rate_limit_capacity, rate_limit_refill=EXCLUDED.rate_limit_refill, enabled=EXCLUDED.enabled`
	upsertEntrySQL = `INSERT INTO waterfall_entries (network, ad_type, priority, floor_cpm, placement_id, enabled)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (network, ad_type) DO UPDATE SET priority=EXCLUDED.priority, floor_cpm=EXCLUDED.floor_cpm, placement_id=EXCLUDED.placement_id, enabled=EXCLUDED.enabled`
	insertHouseSQL = `INSERT INTO house_creatives (id, ad_type, markup, native, width, height, ecpm, country, device_type, click_url, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
)

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// EnsureSchema creates the required tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadNetworks retrieves every configured network.
func (p *Postgres) LoadNetworks(ctx context.Context) ([]models.NetworkConfig, error) {
	rows, err := p.DB.QueryContext(ctx, selectNetworksSQL)
	if err != nil {
		return nil, fmt.Errorf("query networks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.NetworkConfig
	for rows.Next() {
		var n models.NetworkConfig
		var endpoint, appKey sql.NullString
		var vendor, timeoutMS, ttlSec int64
		if err := rows.Scan(&n.Name, &n.Kind, &endpoint, &appKey, &vendor, &timeoutMS, &ttlSec,
			&n.MaxRetries, &n.RateLimitCap, &n.RateLimitRefill, &n.Enabled); err != nil {
			return nil, fmt.Errorf("scan network: %w", err)
		}
		n.Endpoint = endpoint.String
		n.AppKey = appKey.String
		n.GDPRVendorID = uint16(vendor)
		n.Timeout = time.Duration(timeoutMS) * time.Millisecond
		n.AdTTL = time.Duration(ttlSec) * time.Second
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// LoadWaterfall retrieves the waterfall entries of every ad type.
func (p *Postgres) LoadWaterfall(ctx context.Context) ([]models.WaterfallEntry, error) {
	rows, err := p.DB.QueryContext(ctx, selectEntriesSQL)
	if err != nil {
		return nil, fmt.Errorf("query waterfall entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.WaterfallEntry
	for rows.Next() {
		var e models.WaterfallEntry
		var adType string
		if err := rows.Scan(&e.Network, &adType, &e.Priority, &e.FloorCPM, &e.PlacementID, &e.Enabled); err != nil {
			return nil, fmt.Errorf("scan waterfall entry: %w", err)
		}
		t, err := models.ParseAdType(adType)
		if err != nil {
			return nil, fmt.Errorf("waterfall entry %s: %w", e.Network, err)
		}
		e.AdType = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// LoadHouseCreatives retrieves all house creatives, active or not.
func (p *Postgres) LoadHouseCreatives(ctx context.Context) ([]models.HouseCreative, error) {
	rows, err := p.DB.QueryContext(ctx, selectHouseSQL)
	if err != nil {
		return nil, fmt.Errorf("query house creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.HouseCreative
	for rows.Next() {
		var c models.HouseCreative
		var adType string
		var markup, native, country, deviceType, clickURL sql.NullString
		var width, height sql.NullInt64
		if err := rows.Scan(&c.ID, &adType, &markup, &native, &width, &height, &c.ECPM,
			&country, &deviceType, &clickURL, &c.Active); err != nil {
			return nil, fmt.Errorf("scan house creative: %w", err)
		}
		t, err := models.ParseAdType(adType)
		if err != nil {
			return nil, fmt.Errorf("house creative %s: %w", c.ID, err)
		}
		c.AdType = t
		c.Markup = markup.String
		if native.Valid && native.String != "" {
			c.Native = []byte(native.String)
		}
		c.Width = int(width.Int64)
		c.Height = int(height.Int64)
		c.Country = country.String
		c.DeviceType = deviceType.String
		c.ClickURL = clickURL.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertNetwork(ctx context.Context, ex execer, n models.NetworkConfig) error {
	_, err := ex.ExecContext(ctx, upsertNetworkSQL, n.Name, n.Kind, n.Endpoint, n.AppKey, int(n.GDPRVendorID),
		n.Timeout.Milliseconds(), int64(n.AdTTL/time.Second), n.MaxRetries, n.RateLimitCap, n.RateLimitRefill, n.Enabled)
	if err != nil {
		return fmt.Errorf("upsert network %s: %w", n.Name, err)
	}
	return nil
}

func upsertEntry(ctx context.Context, ex execer, e models.WaterfallEntry) error {
	_, err := ex.ExecContext(ctx, upsertEntrySQL, e.Network, e.AdType.String(), e.Priority, e.FloorCPM, e.PlacementID, e.Enabled)
	if err != nil {
		return fmt.Errorf("upsert waterfall entry %s/%s: %w", e.Network, e.AdType, err)
	}
	return nil
}

func insertHouse(ctx context.Context, ex execer, c models.HouseCreative) error {
	var native any
	if len(c.Native) > 0 {
		native = string(c.Native)
	}
	_, err := ex.ExecContext(ctx, insertHouseSQL, c.ID, c.AdType.String(), c.Markup, native, c.Width, c.Height,
		c.ECPM, c.Country, c.DeviceType, c.ClickURL, c.Active)
	if err != nil {
		return fmt.Errorf("insert house creative %s: %w", c.ID, err)
	}
	return nil
}

// UpsertNetwork inserts or updates a network.
func (p *Postgres) UpsertNetwork(ctx context.Context, n models.NetworkConfig) error {
	return upsertNetwork(ctx, p.DB, n)
}

// UpsertWaterfallEntry inserts or updates the entry for (network, ad type).
func (p *Postgres) UpsertWaterfallEntry(ctx context.Context, e models.WaterfallEntry) error {
	return upsertEntry(ctx, p.DB, e)
}

// SetNetworkEnabled toggles a network. Unknown names yield models.ErrNotFound.
func (p *Postgres) SetNetworkEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE networks SET enabled=$1 WHERE name=$2`, enabled, name)
	if err != nil {
		return fmt.Errorf("update network %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update network %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("network %s: %w", name, models.ErrNotFound)
	}
	return nil
}

// SetEntriesEnabled toggles a network's waterfall entries for the given ad
// types only. Unknown pairs yield models.ErrNotFound.
func (p *Postgres) SetEntriesEnabled(ctx context.Context, network string, types models.AdType, enabled bool) error {
	split := types.Split()
	names := make([]string, 0, len(split))
	for _, t := range split {
		names = append(names, t.String())
	}
	res, err := p.DB.ExecContext(ctx, `UPDATE waterfall_entries SET enabled=$1 WHERE network=$2 AND ad_type = ANY($3)`,
		enabled, network, pq.Array(names))
	if err != nil {
		return fmt.Errorf("update entries %s/%s: %w", network, types, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entries %s/%s: %w", network, types, err)
	}
	if n == 0 {
		return fmt.Errorf("entries %s/%s: %w", network, types, models.ErrNotFound)
	}
	return nil
}

// ReplaceAll swaps the whole setup in one transaction.
func (p *Postgres) ReplaceAll(ctx context.Context, networks []models.NetworkConfig, entries []models.WaterfallEntry, house []models.HouseCreative) (err error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{`DELETE FROM waterfall_entries`, `DELETE FROM house_creatives`, `DELETE FROM networks`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear setup: %w", err)
		}
	}
	for _, n := range networks {
		if err = upsertNetwork(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err = upsertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, c := range house {
		if err = insertHouse(ctx, tx, c); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
