// Package preferences stores per-user notification preferences.
package preferences

import (
	"context"
	"errors"

	"github.com/bissquit/board-notify/internal/domain"
)

// ErrPreferenceNotFound is returned by Repository.Get when the user never saved preferences.
var ErrPreferenceNotFound = errors.New("notification preference not found")

// ApplyFunc computes the new preference from the current one.
type ApplyFunc func(current domain.NotificationPreference) (domain.NotificationPreference, error)

// Repository defines the interface for preference storage.
type Repository interface {
	Get(ctx context.Context, userID string) (*domain.NotificationPreference, error)
	// Update atomically loads the user's row (starting from defaults when
	// absent), applies fn and persists the result. Nothing is written when fn fails.
	Update(ctx context.Context, userID string, fn ApplyFunc) (*domain.NotificationPreference, error)
}
