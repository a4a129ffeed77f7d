package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deliveryColumns = `
	id, notification_id, channel_id, recipient_id, status,
	provider_message_id, last_error, retry_count, max_retries,
	next_retry_at, sent_at, delivered_at, failed_at,
	metadata, created_at, updated_at`

// DeliveryRepo persists NotificationDelivery rows.
type DeliveryRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryRepo creates a delivery repository.
func NewDeliveryRepo(db *DB, logger *zap.Logger) *DeliveryRepo {
	return &DeliveryRepo{db: db, logger: logger}
}

func scanDelivery(row pgx.Row) (*NotificationDelivery, error) {
	var d NotificationDelivery
	err := row.Scan(
		&d.ID, &d.NotificationID, &d.ChannelID, &d.RecipientID, &d.Status,
		&d.ProviderMessageID, &d.LastError, &d.RetryCount, &d.MaxRetries,
		&d.NextRetryAt, &d.SentAt, &d.DeliveredAt, &d.FailedAt,
		&d.Metadata, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a new delivery in pending state.
func (r *DeliveryRepo) Create(ctx context.Context, d *NotificationDelivery) error {
	query := `
		INSERT INTO notification_deliveries (
			id, notification_id, channel_id, recipient_id, status,
			retry_count, max_retries, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		d.ID, d.NotificationID, d.ChannelID, d.RecipientID, d.Status,
		d.RetryCount, d.MaxRetries, d.Metadata, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create delivery",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

// Get retrieves a delivery by ID.
func (r *DeliveryRepo) Get(ctx context.Context, id uuid.UUID) (*NotificationDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM notification_deliveries WHERE id = $1`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return d, nil
}

// Update persists the current state of a delivery.
func (r *DeliveryRepo) Update(ctx context.Context, d *NotificationDelivery) error {
	query := `
		UPDATE notification_deliveries
		SET status = $1, provider_message_id = $2, last_error = $3,
		    retry_count = $4, next_retry_at = $5,
		    sent_at = $6, delivered_at = $7, failed_at = $8,
		    metadata = $9, updated_at = $10
		WHERE id = $11
	`

	result, err := r.db.Pool().Exec(ctx, query,
		d.Status, d.ProviderMessageID, d.LastError,
		d.RetryCount, d.NextRetryAt,
		d.SentAt, d.DeliveredAt, d.FailedAt,
		d.Metadata, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

// ClaimLease is how long a claimed delivery stays invisible to other
// sweepers. The claiming sweep records the attempt outcome well within
// this window; if the process dies mid-send, the lease expires and the
// row becomes claimable again.
const ClaimLease = 5 * time.Minute

// ClaimDue atomically claims deliveries that should be attempted now:
// retrying rows whose backoff elapsed, plus pending rows older than
// staleAfter that a crashed dispatch never picked up. The claim is
// exclusive, not just SKIP LOCKED for the statement: claimed rows are
// moved to retrying with next_retry_at pushed past the lease, so an
// overlapping sweep (same process or another instance) cannot
// re-select them while the send is still in flight.
func (r *DeliveryRepo) ClaimDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*NotificationDelivery, error) {
	query := `
		UPDATE notification_deliveries
		SET status = 'retrying', next_retry_at = $4, updated_at = $1
		WHERE id IN (
			SELECT id FROM notification_deliveries
			WHERE (status = 'retrying' AND next_retry_at <= $1)
			   OR (status = 'pending' AND created_at <= $2)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	rows, err := r.db.Pool().Query(ctx, query, now, now.Add(-staleAfter), limit, now.Add(ClaimLease))
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []*NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return claimed, nil
}

// CancelForNotifications cancels every non-terminal delivery belonging
// to the given notifications. Used when notifications expire.
func (r *DeliveryRepo) CancelForNotifications(ctx context.Context, notificationIDs []uuid.UUID, now time.Time) (int64, error) {
	if len(notificationIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notification_deliveries
		SET status = 'cancelled', updated_at = $1
		WHERE notification_id = ANY($2)
		  AND status IN ('pending', 'retrying', 'sent')
	`

	result, err := r.db.Pool().Exec(ctx, query, now, notificationIDs)
	if err != nil {
		return 0, fmt.Errorf("cancel deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListByNotification returns every delivery for one notification.
func (r *DeliveryRepo) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*NotificationDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM notification_deliveries
		WHERE notification_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// ListFailed returns failed deliveries since a cutoff, newest first.
// Feeds the operator bulk-retry endpoint.
func (r *DeliveryRepo) ListFailed(ctx context.Context, since time.Time, limit int) ([]*NotificationDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM notification_deliveries
		WHERE status = 'failed' AND failed_at >= $1
		ORDER BY failed_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// DeliverySummary aggregates delivery outcomes per channel over a window.
type DeliverySummary struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Status    string    `json:"status"`
	Count     int       `json:"count"`
}

// Summarize counts deliveries grouped by channel and status since a cutoff.
func (r *DeliveryRepo) Summarize(ctx context.Context, since time.Time) ([]DeliverySummary, error) {
	query := `
		SELECT channel_id, status, count(*)
		FROM notification_deliveries
		WHERE created_at >= $1
		GROUP BY channel_id, status
		ORDER BY channel_id, status
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("summarize deliveries: %w", err)
	}
	defer rows.Close()

	var summaries []DeliverySummary
	for rows.Next() {
		var s DeliverySummary
		if err := rows.Scan(&s.ChannelID, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return summaries, nil
}
