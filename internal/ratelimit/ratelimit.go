// Package ratelimit enforces per (user, channel) delivery ceilings over
// minute, hour, and day windows backed by persistent counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// Store is the counter persistence the limiter needs.
type Store interface {
	Get(ctx context.Context, userID, channelID uuid.UUID) (*db.NotificationRateLimit, error)
	Upsert(ctx context.Context, rl *db.NotificationRateLimit) error
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAt is the earliest reset among the exhausted windows.
	// Zero when allowed.
	RetryAt time.Time
}

// Limiter admits or skips delivery attempts against a channel's
// ceilings. Counters increment before the check, so a denied attempt
// still consumes quota. Windows reset lazily when their deadline
// passes.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLimiter creates a rate limiter.
func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor serializes checks per (user, channel) so concurrent
// dispatches cannot both read a stale counter.
func (l *Limiter) lockFor(userID, channelID uuid.UUID) *sync.Mutex {
	key := userID.String() + ":" + channelID.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Allow records one attempt for (user, channel) and reports whether the
// channel's ceilings admit it. A ceiling of zero means unlimited for
// that window.
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID, channel *db.NotificationChannel) (*Decision, error) {
	mu := l.lockFor(userID, channel.ID)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()

	rl, err := l.store.Get(ctx, userID, channel.ID)
	if errors.Is(err, db.ErrNotFound) {
		rl = &db.NotificationRateLimit{
			ID:            uuid.New(),
			UserID:        userID,
			ChannelID:     channel.ID,
			MinuteResetAt: now.Add(time.Minute),
			HourResetAt:   now.Add(time.Hour),
			DayResetAt:    now.Add(24 * time.Hour),
		}
	} else if err != nil {
		return nil, fmt.Errorf("load rate limit: %w", err)
	}

	if !now.Before(rl.MinuteResetAt) {
		rl.MinuteCount = 0
		rl.MinuteResetAt = now.Add(time.Minute)
	}
	if !now.Before(rl.HourResetAt) {
		rl.HourCount = 0
		rl.HourResetAt = now.Add(time.Hour)
	}
	if !now.Before(rl.DayResetAt) {
		rl.DayCount = 0
		rl.DayResetAt = now.Add(24 * time.Hour)
	}

	rl.MinuteCount++
	rl.HourCount++
	rl.DayCount++
	rl.UpdatedAt = now

	if err := l.store.Upsert(ctx, rl); err != nil {
		return nil, fmt.Errorf("save rate limit: %w", err)
	}

	decision := &Decision{Allowed: true}
	deny := func(resetAt time.Time) {
		decision.Allowed = false
		if decision.RetryAt.IsZero() || resetAt.Before(decision.RetryAt) {
			decision.RetryAt = resetAt
		}
	}

	if ceiling := channel.RateLimitPerMinute; ceiling > 0 && rl.MinuteCount > ceiling {
		deny(rl.MinuteResetAt)
	}
	if ceiling := channel.RateLimitPerHour; ceiling > 0 && rl.HourCount > ceiling {
		deny(rl.HourResetAt)
	}
	if ceiling := channel.RateLimitPerDay; ceiling > 0 && rl.DayCount > ceiling {
		deny(rl.DayResetAt)
	}

	if !decision.Allowed {
		l.logger.Debug("delivery rate limited",
			zap.String("user_id", userID.String()),
			zap.String("channel", channel.Name),
			zap.Time("retry_at", decision.RetryAt),
		)
	}

	return decision, nil
}

// SetNow overrides the clock. Tests only.
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
}
