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

// ErrNotFound is returned when a lookup matches no row. Callers treat
// absence as a first-class outcome, not an exceptional condition.
var ErrNotFound = errors.New("not found")

const notificationColumns = `
	id, recipient_id, type, title, message, priority, data,
	is_read, read_at, is_dismissed, dismissed_at, is_archived, archived_at,
	action_type, action_url, action_text,
	group_key, is_batch, template_name, schedule_id,
	created_at, expires_at`

// NotificationRepo persists Notification rows.
type NotificationRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepo creates a notification repository.
func NewNotificationRepo(db *DB, logger *zap.Logger) *NotificationRepo {
	return &NotificationRepo{db: db, logger: logger}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.Priority, &n.Data,
		&n.IsRead, &n.ReadAt, &n.IsDismissed, &n.DismissedAt, &n.IsArchived, &n.ArchivedAt,
		&n.ActionType, &n.ActionURL, &n.ActionText,
		&n.GroupKey, &n.IsBatch, &n.TemplateName, &n.ScheduleID,
		&n.CreatedAt, &n.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Create inserts a new notification.
func (r *NotificationRepo) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, type, title, message, priority, data,
			action_type, action_url, action_text,
			group_key, is_batch, template_name, schedule_id,
			created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, n.Priority, n.Data,
		n.ActionType, n.ActionURL, n.ActionText,
		n.GroupKey, n.IsBatch, n.TemplateName, n.ScheduleID,
		n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// Get retrieves a notification by ID.
func (r *NotificationRepo) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// FindActiveByGroupKey returns the most recent unread, non-dismissed,
// non-archived notification for (recipient, group key), or ErrNotFound.
func (r *NotificationRepo) FindActiveByGroupKey(ctx context.Context, recipientID uuid.UUID, groupKey string) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND group_key = $2
		  AND NOT is_read AND NOT is_dismissed AND NOT is_archived
		ORDER BY created_at DESC
		LIMIT 1
	`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, recipientID, groupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query group notification: %w", err)
	}
	return n, nil
}

// Update overwrites the mutable fields of an existing notification.
// Used by the grouping engine when coalescing repeated events.
func (r *NotificationRepo) Update(ctx context.Context, n *Notification) error {
	query := `
		UPDATE notifications
		SET type = $1, title = $2, message = $3, priority = $4, data = $5,
		    action_type = $6, action_url = $7, action_text = $8,
		    created_at = $9, expires_at = $10
		WHERE id = $11
	`

	result, err := r.db.Pool().Exec(ctx, query,
		n.Type, n.Title, n.Message, n.Priority, n.Data,
		n.ActionType, n.ActionURL, n.ActionText,
		n.CreatedAt, n.ExpiresAt, n.ID,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", n.ID, ErrNotFound)
	}
	return nil
}

// ListByRecipient retrieves notifications for a recipient, newest first.
func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientID uuid.UUID, includeArchived bool, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND ($2 OR NOT is_archived)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, includeArchived, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// markQuery builds the shared shape of the read/dismiss/archive bulk
// updates: scoped to the recipient, restricted to rows where the flag
// is not yet set (idempotence), selected by ids or group key.
func markQuery(flag, tsColumn string) string {
	return `
		UPDATE notifications
		SET ` + flag + ` = TRUE, ` + tsColumn + ` = $1
		WHERE recipient_id = $2 AND NOT ` + flag + `
		  AND (cardinality($3::uuid[]) = 0 OR id = ANY($3))
		  AND ($4 = '' OR group_key = $4)
		RETURNING ` + notificationColumns
}

func (r *NotificationRepo) mark(ctx context.Context, query string, now time.Time, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*Notification, error) {
	if ids == nil {
		ids = []uuid.UUID{}
	}

	rows, err := r.db.Pool().Query(ctx, query, now, recipientID, ids, groupKey)
	if err != nil {
		return nil, fmt.Errorf("mark notifications: %w", err)
	}
	defer rows.Close()

	var affected []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		affected = append(affected, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return affected, nil
}

// MarkRead flags the selected notifications read and returns the rows
// that actually changed.
func (r *NotificationRepo) MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*Notification, error) {
	return r.mark(ctx, markQuery("is_read", "read_at"), now, recipientID, ids, groupKey)
}

// Dismiss flags the selected notifications dismissed.
func (r *NotificationRepo) Dismiss(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*Notification, error) {
	return r.mark(ctx, markQuery("is_dismissed", "dismissed_at"), now, recipientID, ids, groupKey)
}

// Archive flags the selected notifications archived.
func (r *NotificationRepo) Archive(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*Notification, error) {
	return r.mark(ctx, markQuery("is_archived", "archived_at"), now, recipientID, ids, groupKey)
}

// ArchiveExpired archives every unarchived notification whose expiry
// has passed, returning the affected rows.
func (r *NotificationRepo) ArchiveExpired(ctx context.Context, now time.Time) ([]*Notification, error) {
	query := `
		UPDATE notifications
		SET is_archived = TRUE, archived_at = $1
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND NOT is_archived
		RETURNING ` + notificationColumns

	rows, err := r.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("archive expired: %w", err)
	}
	defer rows.Close()

	var archived []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		archived = append(archived, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return archived, nil
}

// Stats summarizes a recipient's notifications.
type Stats struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	Read       int            `json:"read"`
	Dismissed  int            `json:"dismissed"`
	Archived   int            `json:"archived"`
	ByPriority map[string]int `json:"by_priority"`
	ByType     map[string]int `json:"by_type"`
}

// CountStats aggregates notification counts for one recipient.
func (r *NotificationRepo) CountStats(ctx context.Context, recipientID uuid.UUID) (*Stats, error) {
	stats := &Stats{
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
	}

	query := `
		SELECT count(*),
		       count(*) FILTER (WHERE NOT is_read),
		       count(*) FILTER (WHERE is_read),
		       count(*) FILTER (WHERE is_dismissed),
		       count(*) FILTER (WHERE is_archived)
		FROM notifications
		WHERE recipient_id = $1
	`
	err := r.db.Pool().QueryRow(ctx, query, recipientID).Scan(
		&stats.Total, &stats.Unread, &stats.Read, &stats.Dismissed, &stats.Archived,
	)
	if err != nil {
		return nil, fmt.Errorf("count stats: %w", err)
	}

	breakdown := `
		SELECT priority, type, count(*)
		FROM notifications
		WHERE recipient_id = $1 AND NOT is_dismissed AND NOT is_archived
		GROUP BY priority, type
	`
	rows, err := r.db.Pool().Query(ctx, breakdown, recipientID)
	if err != nil {
		return nil, fmt.Errorf("count breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority, typ string
		var count int
		if err := rows.Scan(&priority, &typ, &count); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		stats.ByPriority[priority] += count
		stats.ByType[typ] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return stats, nil
}
