package noop

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.HistoryCache, error) {
			return &noopHistoryCache{}, nil
		},
	})
}

type noopHistoryCache struct{}

func (n *noopHistoryCache) Available() bool { return false }
func (n *noopHistoryCache) Get(_ context.Context, _ string) ([]model.ConversationWithTurns, bool, error) {
	return nil, false, nil
}
func (n *noopHistoryCache) Set(_ context.Context, _ string, _ []model.ConversationWithTurns, _ time.Duration) error {
	return nil
}
func (n *noopHistoryCache) Invalidate(_ context.Context, _ string) error { return nil }

var _ cache.HistoryCache = (*noopHistoryCache)(nil)
