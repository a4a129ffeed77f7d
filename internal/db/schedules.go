package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const scheduleColumns = `
	id, title, type, frequency, scheduled_at,
	recipient_user_ids, recipient_groups,
	notification_type, title_template, message_template, template_vars, channels,
	is_active, created_by, created_at, updated_at`

// ScheduleRepo persists NotificationSchedule rows. The array and map
// fields ride in JSONB columns and are marshaled at the boundary.
type ScheduleRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewScheduleRepo creates a schedule repository.
func NewScheduleRepo(db *DB, logger *zap.Logger) *ScheduleRepo {
	return &ScheduleRepo{db: db, logger: logger}
}

func scanSchedule(row pgx.Row) (*NotificationSchedule, error) {
	var s NotificationSchedule
	var userIDs, groups, vars, channels []byte
	err := row.Scan(
		&s.ID, &s.Title, &s.Type, &s.Frequency, &s.ScheduledAt,
		&userIDs, &groups,
		&s.NotificationType, &s.TitleTemplate, &s.MessageTemplate, &vars, &channels,
		&s.IsActive, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(userIDs, &s.RecipientUserIDs); err != nil {
		return nil, fmt.Errorf("decode recipient_user_ids: %w", err)
	}
	if err := json.Unmarshal(groups, &s.RecipientGroups); err != nil {
		return nil, fmt.Errorf("decode recipient_groups: %w", err)
	}
	if err := json.Unmarshal(vars, &s.TemplateVars); err != nil {
		return nil, fmt.Errorf("decode template_vars: %w", err)
	}
	if err := json.Unmarshal(channels, &s.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	return &s, nil
}

func encodeScheduleFields(s *NotificationSchedule) (userIDs, groups, vars, channels []byte, err error) {
	if userIDs, err = json.Marshal(s.RecipientUserIDs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode recipient_user_ids: %w", err)
	}
	if groups, err = json.Marshal(s.RecipientGroups); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode recipient_groups: %w", err)
	}
	if vars, err = json.Marshal(s.TemplateVars); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode template_vars: %w", err)
	}
	if channels, err = json.Marshal(s.Channels); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode channels: %w", err)
	}
	return userIDs, groups, vars, channels, nil
}

// Create inserts a new schedule.
func (r *ScheduleRepo) Create(ctx context.Context, s *NotificationSchedule) error {
	userIDs, groups, vars, channels, err := encodeScheduleFields(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notification_schedules (
			id, title, type, frequency, scheduled_at,
			recipient_user_ids, recipient_groups,
			notification_type, title_template, message_template, template_vars, channels,
			is_active, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		s.ID, s.Title, s.Type, s.Frequency, s.ScheduledAt,
		userIDs, groups,
		s.NotificationType, s.TitleTemplate, s.MessageTemplate, vars, channels,
		s.IsActive, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create schedule",
			zap.Error(err),
			zap.String("schedule_title", s.Title),
		)
		return fmt.Errorf("insert schedule: %w", err)
	}

	return nil
}

// Get retrieves a schedule by ID.
func (r *ScheduleRepo) Get(ctx context.Context, id uuid.UUID) (*NotificationSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM notification_schedules WHERE id = $1`

	s, err := scanSchedule(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return s, nil
}

// ListDue returns active schedules whose scheduled time has passed.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*NotificationSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM notification_schedules
		WHERE is_active AND scheduled_at <= $1
		ORDER BY scheduled_at
	`

	rows, err := r.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*NotificationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return schedules, nil
}

// List returns schedules, optionally only active ones, newest first.
func (r *ScheduleRepo) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*NotificationSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM notification_schedules
		WHERE ($1 = FALSE OR is_active)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, activeOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*NotificationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return schedules, nil
}

// Update persists the mutable fields of a schedule.
func (r *ScheduleRepo) Update(ctx context.Context, s *NotificationSchedule) error {
	userIDs, groups, vars, channels, err := encodeScheduleFields(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE notification_schedules
		SET title = $1, type = $2, frequency = $3, scheduled_at = $4,
		    recipient_user_ids = $5, recipient_groups = $6,
		    notification_type = $7, title_template = $8, message_template = $9,
		    template_vars = $10, channels = $11,
		    is_active = $12, updated_at = $13
		WHERE id = $14
	`

	result, err := r.db.Pool().Exec(ctx, query,
		s.Title, s.Type, s.Frequency, s.ScheduledAt,
		userIDs, groups,
		s.NotificationType, s.TitleTemplate, s.MessageTemplate, vars, channels,
		s.IsActive, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// Deactivate marks a schedule inactive.
func (r *ScheduleRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notification_schedules SET is_active = FALSE, updated_at = now() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}
