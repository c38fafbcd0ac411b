package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// EventRecorder persists mediation lifecycle events.
// Implementations return ErrUnavailable when storage is not configured.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e mediation.Event, req *models.AdRequest) error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// EventRecord mirrors a row in the mediation_events table.
type EventRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	AdType     string    `json:"ad_type"`
	Network    string    `json:"network"`
	RequestID  string    `json:"request_id"`
	AdID       string    `json:"ad_id"`
	Price      float64   `json:"price"`
	ErrorCode  *string   `json:"error_code"`
	Country    *string   `json:"country"`
	DeviceType *string   `json:"device_type"`
	Placement  *string   `json:"placement"`
}

const createEventsSQL = `CREATE TABLE IF NOT EXISTS mediation_events (
       timestamp   DateTime64(3),
       kind        LowCardinality(String),
       ad_type     LowCardinality(String),
       network     String,
       request_id  String,
       ad_id       String,
       price       Float64,
       error_code  Nullable(String),
       country     Nullable(String),
       device_type Nullable(String),
       placement   Nullable(String)
   ) ENGINE=MergeTree() ORDER BY (kind, timestamp)`

const insertEventSQL = `INSERT INTO mediation_events (timestamp, kind, ad_type, network, request_id, ad_id, price, error_code, country, device_type, placement) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectByRequestSQL = `SELECT timestamp, kind, ad_type, network, request_id, ad_id, price, error_code, country, device_type, placement FROM mediation_events WHERE request_id=? ORDER BY timestamp`

// InitClickHouse connects to ClickHouse and ensures the events table exists.
func InitClickHouse(ctx context.Context, dsn string, metrics observability.MetricsRegistry, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createEventsSQL); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return New(db, metrics), nil
}

// New wraps an open connection.
func New(db *sql.DB, metrics observability.MetricsRegistry) *Analytics {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Analytics{DB: db, Metrics: metrics}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordEvent inserts a single event row. req may be nil; it falls back to
// the request carried by the event.
func (a *Analytics) RecordEvent(ctx context.Context, e mediation.Event, req *models.AdRequest) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if req == nil {
		req = e.Request
	}

	var adID string
	var price float64
	if e.Ad != nil {
		adID = e.Ad.ID
		price = e.Ad.Price
	}
	var code sql.NullString
	if e.Err != nil {
		if c, ok := mediation.CodeOf(e.Err); ok {
			code = nullString(c.String())
		} else {
			code = nullString("internal")
		}
	}
	var country, device sql.NullString
	placement := nullString(e.Placement)
	if req != nil {
		country = nullString(req.Country)
		device = nullString(req.Device.Type)
		if !placement.Valid {
			placement = nullString(req.Placement)
		}
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	if _, err := a.DB.ExecContext(ctx, insertEventSQL, ts, e.Kind.String(), e.AdType.String(), e.Network, e.RequestID, adID, price, code, country, device, placement); err != nil {
		a.Metrics.IncrementAnalyticsErrors()
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("kind", e.Kind.String()))
		return fmt.Errorf("insert %s event: %w", e.Kind, err)
	}
	return nil
}

// EventsByRequestID returns all events for a request ordered by timestamp.
func (a *Analytics) EventsByRequestID(ctx context.Context, id string) ([]EventRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := a.DB.QueryContext(ctx, selectByRequestSQL, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Timestamp, &ev.Kind, &ev.AdType, &ev.Network, &ev.RequestID, &ev.AdID, &ev.Price, &ev.ErrorCode, &ev.Country, &ev.DeviceType, &ev.Placement); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
