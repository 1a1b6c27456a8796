package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.HistoryCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.HistoryCacheTTL)
}

// LoadFromURL creates a HistoryCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.HistoryCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisHistoryCache{client: client, ttl: ttl}, nil
}

type redisHistoryCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *redisHistoryCache) Available() bool {
	return true
}

func (c *redisHistoryCache) Get(ctx context.Context, ownerID string) ([]model.ConversationWithTurns, bool, error) {
	data, err := c.client.Get(ctx, registrycache.HistoryKey(ownerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var history []model.ConversationWithTurns
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, false, err
	}
	return history, true, nil
}

func (c *redisHistoryCache) Set(ctx context.Context, ownerID string, history []model.ConversationWithTurns, ttl time.Duration) error {
	if history == nil {
		history = []model.ConversationWithTurns{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, registrycache.HistoryKey(ownerID), data, ttl).Err()
}

func (c *redisHistoryCache) Invalidate(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, registrycache.HistoryKey(ownerID)).Err()
}

var _ registrycache.HistoryCache = (*redisHistoryCache)(nil)
