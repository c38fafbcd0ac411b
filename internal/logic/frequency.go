package logic

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/models"
)

// DefaultShowCapWindow applies when a cap is configured without a window.
const DefaultShowCapWindow = time.Hour

// ShowCap limits shows of one ad type per user per window. Zero Limit means
// no cap.
type ShowCap struct {
	Limit  int
	Window time.Duration
}

// ShowCapper enforces per-user show caps in Redis. It fails open: a Redis
// error never blocks a show.
type ShowCapper struct {
	store  *db.RedisStore
	caps   map[models.AdType]ShowCap
	logger *zap.Logger
}

// NewShowCapper creates a capper. caps maps single ad types to their caps.
func NewShowCapper(store *db.RedisStore, caps map[models.AdType]ShowCap, logger *zap.Logger) *ShowCapper {
	if logger == nil {
		logger = zap.L()
	}
	return &ShowCapper{store: store, caps: caps, logger: logger}
}

// CapsFromNames converts caps keyed by ad type name, as found in config.
func CapsFromNames(limits map[string]int, window time.Duration) map[models.AdType]ShowCap {
	if window <= 0 {
		window = DefaultShowCapWindow
	}
	out := make(map[models.AdType]ShowCap, len(limits))
	for name, limit := range limits {
		t, err := models.ParseAdType(name)
		if err != nil || !t.Single() || limit <= 0 {
			continue
		}
		out[t] = ShowCap{Limit: limit, Window: window}
	}
	return out
}

// Allow reports whether userID may see another ad of type t. Anonymous users
// are never capped.
func (c *ShowCapper) Allow(ctx context.Context, userID string, t models.AdType) bool {
	cp, ok := c.caps[t]
	if !ok || cp.Limit <= 0 || userID == "" {
		return true
	}
	if c.store == nil || c.store.Client == nil {
		return true
	}
	n, err := c.store.ShowCount(ctx, userID, t)
	if err != nil {
		c.logger.Error("redis show cap", zap.Error(err))
		return true
	}
	return n < int64(cp.Limit)
}

// Record counts a show. It should be called after the ad was presented.
func (c *ShowCapper) Record(ctx context.Context, userID string, t models.AdType) error {
	cp, ok := c.caps[t]
	if !ok || cp.Limit <= 0 || userID == "" {
		return nil
	}
	if c.store == nil || c.store.Client == nil {
		return ErrNilRedisStore
	}
	window := cp.Window
	if window <= 0 {
		window = DefaultShowCapWindow
	}
	if _, err := c.store.IncrementShow(ctx, userID, t, window); err != nil {
		c.logger.Error("failed to increment show cap", zap.Error(err))
		return err
	}
	return nil
}
