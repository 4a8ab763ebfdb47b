// Package postgres provides PostgreSQL implementation of preferences repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/preferences"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `
	user_id, notify_assigned, notify_title_changed, notify_due_soon, notify_moved,
	quiet_hours_start, quiet_hours_end, updated_at
`

// Repository implements preferences.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Get retrieves the stored preference of a user.
func (r *Repository) Get(ctx context.Context, userID string) (*domain.NotificationPreference, error) {
	query := `SELECT ` + selectColumns + ` FROM notification_preferences WHERE user_id = $1`

	pref, err := scanPreference(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, preferences.ErrPreferenceNotFound
		}
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return pref, nil
}

// Update locks the user's row, creating it with column defaults first when
// absent, applies fn and writes the result in the same transaction.
func (r *Repository) Update(ctx context.Context, userID string, fn preferences.ApplyFunc) (*domain.NotificationPreference, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO notification_preferences (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("ensure preference row: %w", err)
	}

	current, err := scanPreference(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM notification_preferences WHERE user_id = $1 FOR UPDATE`,
		userID,
	))
	if err != nil {
		return nil, fmt.Errorf("lock preference: %w", err)
	}

	next, err := fn(*current)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE notification_preferences
		SET notify_assigned = $2, notify_title_changed = $3, notify_due_soon = $4, notify_moved = $5,
		    quiet_hours_start = $6, quiet_hours_end = $7, updated_at = NOW()
		WHERE user_id = $1
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query,
		userID,
		next.NotifyAssigned,
		next.NotifyTitleChanged,
		next.NotifyDueSoon,
		next.NotifyMoved,
		next.QuietHoursStart,
		next.QuietHoursEnd,
	).Scan(&next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update preference: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	next.UserID = userID
	return &next, nil
}

func scanPreference(row pgx.Row) (*domain.NotificationPreference, error) {
	var p domain.NotificationPreference
	err := row.Scan(
		&p.UserID,
		&p.NotifyAssigned,
		&p.NotifyTitleChanged,
		&p.NotifyDueSoon,
		&p.NotifyMoved,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
