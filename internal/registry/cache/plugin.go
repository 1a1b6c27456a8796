package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
)

// HistoryCache caches the rendered history of an owner between writes.
type HistoryCache interface {
	Available() bool
	Get(ctx context.Context, ownerID string) ([]model.ConversationWithTurns, bool, error)
	Set(ctx context.Context, ownerID string, history []model.ConversationWithTurns, ttl time.Duration) error
	Invalidate(ctx context.Context, ownerID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (HistoryCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

// HistoryKey is the cache key for an owner's history.
func HistoryKey(ownerID string) string {
	return "chat-history:" + ownerID
}
