package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/cache"
	"github.com/meattrace/notify/internal/db"
)

const (
	activeChannelsKey = "notify:channels:active"
	channelsTTL       = time.Minute
)

// ChannelSource lists the active delivery channels.
type ChannelSource interface {
	ListActive(ctx context.Context) ([]*db.NotificationChannel, error)
}

// CachedChannels keeps the active channel list in Redis. Every
// delivery consults the channel list, so it is the hottest read the
// engine makes.
type CachedChannels struct {
	source ChannelSource
	cache  *cache.Client
	logger *zap.Logger
}

// NewCachedChannels decorates a channel source with a Redis cache.
func NewCachedChannels(source ChannelSource, cacheClient *cache.Client, logger *zap.Logger) *CachedChannels {
	return &CachedChannels{source: source, cache: cacheClient, logger: logger}
}

// ListActive serves from cache when possible. A cache outage degrades
// to the database rather than failing the delivery.
func (c *CachedChannels) ListActive(ctx context.Context) ([]*db.NotificationChannel, error) {
	var cached []*db.NotificationChannel
	err := c.cache.Get(ctx, activeChannelsKey, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("channel cache read failed, falling back to database", zap.Error(err))
	}

	channels, err := c.source.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, activeChannelsKey, channels, channelsTTL); err != nil {
		c.logger.Warn("channel cache write failed", zap.Error(err))
	}

	return channels, nil
}

// Invalidate drops the cached list after a channel changes.
func (c *CachedChannels) Invalidate(ctx context.Context) {
	if err := c.cache.Delete(ctx, activeChannelsKey); err != nil {
		c.logger.Warn("channel cache invalidation failed", zap.Error(err))
	}
}
