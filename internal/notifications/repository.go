// Package notifications distributes card events to the team broadcast sink and to
// personal push channels, deferring personal delivery during quiet hours.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
)

// Queue is the durable store of deferred personal notifications.
type Queue interface {
	Enqueue(ctx context.Context, entry NewQueuedNotification) (*QueuedNotification, error)
	// FetchPendingGroupedByUser returns every unsent row grouped by recipient,
	// oldest first within a group. Recipients without a push identity are
	// included with a nil Identity.
	FetchPendingGroupedByUser(ctx context.Context) (map[string]*PendingGroup, error)
	// MarkSent marks exactly the given ids as sent and returns how many rows changed.
	MarkSent(ctx context.Context, ids []string) (int64, error)
	QueueStats(ctx context.Context) (*QueueStats, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdentityReader resolves the personal channel address of a user.
type IdentityReader interface {
	// GetPushIdentity returns ErrIdentityNotFound when the user has not linked one.
	GetPushIdentity(ctx context.Context, userID string) (string, error)
}

// IdentityStore manages personal channel addresses.
type IdentityStore interface {
	IdentityReader
	SetPushIdentity(ctx context.Context, userID, identity string) error
	DeletePushIdentity(ctx context.Context, userID string) error
}

// PreferenceReader loads notification preferences, falling back to defaults.
type PreferenceReader interface {
	Get(ctx context.Context, userID string) (domain.NotificationPreference, error)
}
