package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const recipientColumns = `
	id, username, email, phone_number, device_token, role, is_active`

// RecipientRepo reads the platform's user table as a contact directory.
// The engine never writes user rows.
type RecipientRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewRecipientRepo creates a recipient repository.
func NewRecipientRepo(db *DB, logger *zap.Logger) *RecipientRepo {
	return &RecipientRepo{db: db, logger: logger}
}

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var rec Recipient
	err := row.Scan(
		&rec.ID, &rec.Username, &rec.Email, &rec.PhoneNumber,
		&rec.DeviceToken, &rec.Role, &rec.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get retrieves one recipient by ID.
func (r *RecipientRepo) Get(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM users WHERE id = $1`

	rec, err := scanRecipient(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}
	return rec, nil
}

// groupRoles maps the named recipient groups onto platform roles.
var groupRoles = map[string][]string{
	"abbatoirs":   {"abbatoir"},
	"processors":  {"processing_unit"},
	"shop_owners": {"shop"},
	"admins":      {"admin", "superadmin"},
}

// GroupRoles resolves a named group to its role list, reporting
// whether the group is known.
func GroupRoles(group string) ([]string, bool) {
	roles, ok := groupRoles[group]
	return roles, ok
}

// ListByGroup returns the active recipients in a named group.
func (r *RecipientRepo) ListByGroup(ctx context.Context, group string) ([]*Recipient, error) {
	roles, ok := GroupRoles(group)
	if !ok {
		return nil, fmt.Errorf("unknown recipient group: %q", group)
	}

	query := `SELECT ` + recipientColumns + ` FROM users WHERE role = ANY($1) AND is_active ORDER BY username`

	rows, err := r.db.Pool().Query(ctx, query, roles)
	if err != nil {
		return nil, fmt.Errorf("query group recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}
