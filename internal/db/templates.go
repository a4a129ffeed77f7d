package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const templateColumns = `
	id, name, subject, content, variables, is_active, created_at, updated_at`

// TemplateRepo persists NotificationTemplate rows.
type TemplateRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewTemplateRepo creates a template repository.
func NewTemplateRepo(db *DB, logger *zap.Logger) *TemplateRepo {
	return &TemplateRepo{db: db, logger: logger}
}

func scanTemplate(row pgx.Row) (*NotificationTemplate, error) {
	var t NotificationTemplate
	err := row.Scan(
		&t.ID, &t.Name, &t.Subject, &t.Content, &t.Variables,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new template. Names are unique.
func (r *TemplateRepo) Create(ctx context.Context, t *NotificationTemplate) error {
	query := `
		INSERT INTO notification_templates (
			id, name, subject, content, variables, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		t.ID, t.Name, t.Subject, t.Content, t.Variables,
		t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create template",
			zap.Error(err),
			zap.String("template_name", t.Name),
		)
		return fmt.Errorf("insert template: %w", err)
	}

	return nil
}

// GetByName retrieves an active template by its unique name.
func (r *TemplateRepo) GetByName(ctx context.Context, name string) (*NotificationTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE name = $1 AND is_active`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// List returns every template, active and inactive, by name.
func (r *TemplateRepo) List(ctx context.Context) ([]*NotificationTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates ORDER BY name`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*NotificationTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return templates, nil
}

// Update persists the mutable fields of a template.
func (r *TemplateRepo) Update(ctx context.Context, t *NotificationTemplate) error {
	query := `
		UPDATE notification_templates
		SET subject = $1, content = $2, variables = $3, is_active = $4, updated_at = $5
		WHERE id = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		t.Subject, t.Content, t.Variables, t.IsActive, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", t.ID, ErrNotFound)
	}
	return nil
}
