package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const rateLimitColumns = `
	id, user_id, channel_id,
	minute_count, hour_count, day_count,
	minute_reset_at, hour_reset_at, day_reset_at,
	updated_at`

// RateLimitRepo persists NotificationRateLimit counter rows. Only the
// rate limiter mutates these, under its per-key lock.
type RateLimitRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewRateLimitRepo creates a rate limit repository.
func NewRateLimitRepo(db *DB, logger *zap.Logger) *RateLimitRepo {
	return &RateLimitRepo{db: db, logger: logger}
}

func scanRateLimit(row pgx.Row) (*NotificationRateLimit, error) {
	var rl NotificationRateLimit
	err := row.Scan(
		&rl.ID, &rl.UserID, &rl.ChannelID,
		&rl.MinuteCount, &rl.HourCount, &rl.DayCount,
		&rl.MinuteResetAt, &rl.HourResetAt, &rl.DayResetAt,
		&rl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rl, nil
}

// Get retrieves the counter row for (user, channel), or ErrNotFound.
func (r *RateLimitRepo) Get(ctx context.Context, userID, channelID uuid.UUID) (*NotificationRateLimit, error) {
	query := `SELECT ` + rateLimitColumns + ` FROM notification_rate_limits WHERE user_id = $1 AND channel_id = $2`

	rl, err := scanRateLimit(r.db.Pool().QueryRow(ctx, query, userID, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query rate limit: %w", err)
	}
	return rl, nil
}

// Upsert writes the counter row, keyed by (user, channel).
func (r *RateLimitRepo) Upsert(ctx context.Context, rl *NotificationRateLimit) error {
	query := `
		INSERT INTO notification_rate_limits (
			id, user_id, channel_id,
			minute_count, hour_count, day_count,
			minute_reset_at, hour_reset_at, day_reset_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			minute_count = EXCLUDED.minute_count,
			hour_count = EXCLUDED.hour_count,
			day_count = EXCLUDED.day_count,
			minute_reset_at = EXCLUDED.minute_reset_at,
			hour_reset_at = EXCLUDED.hour_reset_at,
			day_reset_at = EXCLUDED.day_reset_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rl.ID, rl.UserID, rl.ChannelID,
		rl.MinuteCount, rl.HourCount, rl.DayCount,
		rl.MinuteResetAt, rl.HourResetAt, rl.DayResetAt,
		rl.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to upsert rate limit",
			zap.Error(err),
			zap.String("user_id", rl.UserID.String()),
			zap.String("channel_id", rl.ChannelID.String()),
		)
		return fmt.Errorf("upsert rate limit: %w", err)
	}

	return nil
}
