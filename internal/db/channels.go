package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const channelColumns = `
	id, name, type, is_active, config,
	rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
	provider, created_at, updated_at`

// ChannelRepo persists NotificationChannel rows.
type ChannelRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewChannelRepo creates a channel repository.
func NewChannelRepo(db *DB, logger *zap.Logger) *ChannelRepo {
	return &ChannelRepo{db: db, logger: logger}
}

func scanChannel(row pgx.Row) (*NotificationChannel, error) {
	var c NotificationChannel
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.IsActive, &c.Config,
		&c.RateLimitPerMinute, &c.RateLimitPerHour, &c.RateLimitPerDay,
		&c.Provider, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new channel.
func (r *ChannelRepo) Create(ctx context.Context, c *NotificationChannel) error {
	query := `
		INSERT INTO notification_channels (
			id, name, type, is_active, config,
			rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
			provider, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		c.ID, c.Name, c.Type, c.IsActive, c.Config,
		c.RateLimitPerMinute, c.RateLimitPerHour, c.RateLimitPerDay,
		c.Provider, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create channel",
			zap.Error(err),
			zap.String("channel_name", c.Name),
		)
		return fmt.Errorf("insert channel: %w", err)
	}

	return nil
}

// Get retrieves a channel by ID.
func (r *ChannelRepo) Get(ctx context.Context, id uuid.UUID) (*NotificationChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM notification_channels WHERE id = $1`

	c, err := scanChannel(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return c, nil
}

// ListActive returns every active channel.
func (r *ChannelRepo) ListActive(ctx context.Context) ([]*NotificationChannel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM notification_channels
		WHERE is_active
		ORDER BY name
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []*NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return channels, nil
}

// Update persists the mutable fields of a channel.
func (r *ChannelRepo) Update(ctx context.Context, c *NotificationChannel) error {
	query := `
		UPDATE notification_channels
		SET name = $1, is_active = $2, config = $3,
		    rate_limit_per_minute = $4, rate_limit_per_hour = $5, rate_limit_per_day = $6,
		    provider = $7, updated_at = $8
		WHERE id = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		c.Name, c.IsActive, c.Config,
		c.RateLimitPerMinute, c.RateLimitPerHour, c.RateLimitPerDay,
		c.Provider, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// Deactivate marks a channel inactive. Channels are never deleted
// because delivery history references them.
func (r *ChannelRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notification_channels SET is_active = FALSE, updated_at = now() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}
