package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
)

// UpdatesChannel carries mediation configuration change notices between
// instances.
const UpdatesChannel = "mediation:updates"

// RedisStore wraps a redis client for show counters and config notices.
type RedisStore struct {
	Client *redis.Client
}

// InitRedis initializes a traced Redis client and verifies the connection.
func InitRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rs := &RedisStore{Client: redis.NewClient(&redis.Options{Addr: addr})}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}
	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func showKey(userID string, t models.AdType) string {
	return fmt.Sprintf("showcap:%s:%s", userID, t)
}

// IncrementShow counts a show of t for userID. The window starts with the
// first show. Returns the current count.
func (r *RedisStore) IncrementShow(ctx context.Context, userID string, t models.AdType, window time.Duration) (int64, error) {
	key := showKey(userID, t)
	val, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 && window > 0 {
		if err := r.Client.Expire(ctx, key, window).Err(); err != nil {
			return val, err
		}
	}
	return val, nil
}

// ShowCount returns the shows of t counted for userID in the current window.
func (r *RedisStore) ShowCount(ctx context.Context, userID string, t models.AdType) (int64, error) {
	val, err := r.Client.Get(ctx, showKey(userID, t)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// PublishUpdate notifies subscribers that the mediation config changed.
func (r *RedisStore) PublishUpdate(ctx context.Context, reason string) error {
	return r.Client.Publish(ctx, UpdatesChannel, reason).Err()
}

// SubscribeUpdates returns config change notices until ctx is done.
func (r *RedisStore) SubscribeUpdates(ctx context.Context) (<-chan string, error) {
	sub := r.Client.Subscribe(ctx, UpdatesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", UpdatesChannel, err)
	}
	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
