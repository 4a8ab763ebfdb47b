package domain

import (
	"errors"
	"time"
)

// ErrInvalidQuietHours is returned when a preference ends up with only one quiet-hours bound
// or a bound outside 0..23.
var ErrInvalidQuietHours = errors.New("quiet hours must set both start and end in range 0-23")

// NotificationPreference holds per-user notification settings.
type NotificationPreference struct {
	UserID             string    `json:"user_id"`
	NotifyAssigned     bool      `json:"notify_assigned"`
	NotifyTitleChanged bool      `json:"notify_title_changed"`
	NotifyDueSoon      bool      `json:"notify_due_soon"`
	NotifyMoved        bool      `json:"notify_moved"`
	QuietHoursStart    *int      `json:"quiet_hours_start"`
	QuietHoursEnd      *int      `json:"quiet_hours_end"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultPreference returns the settings applied to a user who never saved any.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:             userID,
		NotifyAssigned:     true,
		NotifyTitleChanged: false,
		NotifyDueSoon:      true,
		NotifyMoved:        false,
	}
}

// QuietAt reports whether hour falls into the user's quiet window.
func (p NotificationPreference) QuietAt(hour int) bool {
	return IsQuiet(p.QuietHoursStart, p.QuietHoursEnd, hour)
}

// PreferenceUpdate is a partial change to a NotificationPreference.
// Nil fields are left unchanged. ClearQuietHours removes both bounds
// before the new bounds (if any) are applied.
type PreferenceUpdate struct {
	NotifyAssigned     *bool
	NotifyTitleChanged *bool
	NotifyDueSoon      *bool
	NotifyMoved        *bool
	QuietHoursStart    *int
	QuietHoursEnd      *int
	ClearQuietHours    bool
}

// Apply merges u into p and validates the result.
func (u PreferenceUpdate) Apply(p NotificationPreference) (NotificationPreference, error) {
	if u.NotifyAssigned != nil {
		p.NotifyAssigned = *u.NotifyAssigned
	}
	if u.NotifyTitleChanged != nil {
		p.NotifyTitleChanged = *u.NotifyTitleChanged
	}
	if u.NotifyDueSoon != nil {
		p.NotifyDueSoon = *u.NotifyDueSoon
	}
	if u.NotifyMoved != nil {
		p.NotifyMoved = *u.NotifyMoved
	}

	if u.ClearQuietHours {
		p.QuietHoursStart = nil
		p.QuietHoursEnd = nil
	}
	if u.QuietHoursStart != nil {
		v := *u.QuietHoursStart
		p.QuietHoursStart = &v
	}
	if u.QuietHoursEnd != nil {
		v := *u.QuietHoursEnd
		p.QuietHoursEnd = &v
	}

	if err := validateQuietHours(p.QuietHoursStart, p.QuietHoursEnd); err != nil {
		return p, err
	}
	return p, nil
}

func validateQuietHours(start, end *int) error {
	if (start == nil) != (end == nil) {
		return ErrInvalidQuietHours
	}
	if start == nil {
		return nil
	}
	if !validHour(*start) || !validHour(*end) {
		return ErrInvalidQuietHours
	}
	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
