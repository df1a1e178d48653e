package limiter

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedis constructs a Redis backed limiter, so cooldowns survive process
// restarts even though the registry does not.
func NewRedis(addr, password string, db int, logger *slog.Logger) (Limiter, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "guildkeeper:cooldown:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (l *redisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	redisKey := l.prefix + key
	counter, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logRedisError("incr", err)
		return Decision{Allowed: true}
	}
	if counter == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			l.logRedisError("expire", err)
		}
	}
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return Decision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (l *redisLimiter) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

func (l *redisLimiter) logRedisError(op string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error("redis cooldown limiter error", "op", op, "error", err)
}
