// Package postgres provides PostgreSQL implementation of the notification queue
// and push identity storage.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/board-notify/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements notifications.Queue and notifications.IdentityStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts an unsent notification.
func (r *Repository) Enqueue(ctx context.Context, entry notifications.NewQueuedNotification) (*notifications.QueuedNotification, error) {
	query := `
		INSERT INTO notification_queue (user_id, project_name, card_title, action)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	n := notifications.QueuedNotification{
		UserID:      entry.UserID,
		ProjectName: entry.ProjectName,
		CardTitle:   entry.CardTitle,
		Action:      entry.Action,
	}
	err := r.db.QueryRow(ctx, query, entry.UserID, entry.ProjectName, entry.CardTitle, entry.Action).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}
	return &n, nil
}

// FetchPendingGroupedByUser returns all unsent rows grouped by user, oldest first.
func (r *Repository) FetchPendingGroupedByUser(ctx context.Context) (map[string]*notifications.PendingGroup, error) {
	query := `
		SELECT q.id, q.user_id, q.project_name, q.card_title, q.action, q.created_at, upi.identity
		FROM notification_queue q
		LEFT JOIN user_push_identities upi ON upi.user_id = q.user_id
		WHERE q.sent = FALSE
		ORDER BY q.user_id, q.created_at, q.id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*notifications.PendingGroup)
	for rows.Next() {
		var (
			n        notifications.QueuedNotification
			identity *string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.ProjectName, &n.CardTitle, &n.Action, &n.CreatedAt, &identity); err != nil {
			return nil, fmt.Errorf("scan pending notification: %w", err)
		}

		g, ok := groups[n.UserID]
		if !ok {
			g = &notifications.PendingGroup{UserID: n.UserID, Identity: identity}
			groups[n.UserID] = g
		}
		g.Add(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}

	return groups, nil
}

// MarkSent marks exactly the given rows as sent. Rows already sent are left untouched.
func (r *Repository) MarkSent(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notification_queue
		SET sent = TRUE, sent_at = NOW()
		WHERE id = ANY($1::uuid[]) AND sent = FALSE
	`
	result, err := r.db.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	return result.RowsAffected(), nil
}

// QueueStats returns pending and sent counts.
func (r *Repository) QueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE sent = FALSE),
			COUNT(*) FILTER (WHERE sent = TRUE),
			COUNT(DISTINCT user_id) FILTER (WHERE sent = FALSE),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at) FILTER (WHERE sent = FALSE)), 0)::bigint
		FROM notification_queue
	`
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Sent,
		&stats.PendingUsers,
		&stats.OldestPendingS,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}

// DeleteSentBefore removes sent rows whose sent_at is older than cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM notification_queue WHERE sent = TRUE AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sent notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetPushIdentity returns the linked push identity of a user.
func (r *Repository) GetPushIdentity(ctx context.Context, userID string) (string, error) {
	var identity string
	err := r.db.QueryRow(ctx,
		`SELECT identity FROM user_push_identities WHERE user_id = $1`, userID).Scan(&identity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notifications.ErrIdentityNotFound
		}
		return "", fmt.Errorf("get push identity: %w", err)
	}
	return identity, nil
}

// SetPushIdentity links or replaces the push identity of a user.
func (r *Repository) SetPushIdentity(ctx context.Context, userID, identity string) error {
	query := `
		INSERT INTO user_push_identities (user_id, identity)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET identity = EXCLUDED.identity, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, userID, identity); err != nil {
		return fmt.Errorf("set push identity: %w", err)
	}
	return nil
}

// DeletePushIdentity unlinks the push identity of a user.
func (r *Repository) DeletePushIdentity(ctx context.Context, userID string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM user_push_identities WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete push identity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrIdentityNotFound
	}
	return nil
}
