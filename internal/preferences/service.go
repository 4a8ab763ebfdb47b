package preferences

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/board-notify/internal/domain"
)

// Service implements preference reads with defaults and partial updates.
type Service struct {
	repo Repository
}

// NewService creates a new preferences service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the stored preference of userID, or the defaults when none is stored.
func (s *Service) Get(ctx context.Context, userID string) (domain.NotificationPreference, error) {
	pref, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrPreferenceNotFound) {
			return domain.DefaultPreference(userID), nil
		}
		return domain.NotificationPreference{}, fmt.Errorf("get preference: %w", err)
	}
	return *pref, nil
}

// Set merges update into the user's preference, creating it from defaults if needed.
// Returns domain.ErrInvalidQuietHours when the merged quiet window is invalid.
func (s *Service) Set(ctx context.Context, userID string, update domain.PreferenceUpdate) (domain.NotificationPreference, error) {
	pref, err := s.repo.Update(ctx, userID, update.Apply)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuietHours) {
			return domain.NotificationPreference{}, err
		}
		return domain.NotificationPreference{}, fmt.Errorf("set preference: %w", err)
	}
	return *pref, nil
}
