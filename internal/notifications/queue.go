package notifications

import "time"

// NewQueuedNotification is the content of a deferred notification.
type NewQueuedNotification struct {
	UserID      string
	ProjectName string
	CardTitle   string
	Action      string
}

// QueuedNotification is a deferred personal notification.
// Sent is true exactly when SentAt is set.
type QueuedNotification struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ProjectName string     `json:"project_name"`
	CardTitle   string     `json:"card_title"`
	Action      string     `json:"action"`
	CreatedAt   time.Time  `json:"created_at"`
	Sent        bool       `json:"sent"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// PendingGroup is the pending work for one recipient at fetch time.
type PendingGroup struct {
	UserID   string
	Identity *string
	Entries  []QueuedNotification
	IDs      []string
}

// Add appends an entry and keeps IDs in step with Entries.
func (g *PendingGroup) Add(n QueuedNotification) {
	g.Entries = append(g.Entries, n)
	g.IDs = append(g.IDs, n.ID)
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Pending        int64 `json:"pending"`
	Sent           int64 `json:"sent"`
	PendingUsers   int64 `json:"pending_users"`
	OldestPendingS int64 `json:"oldest_pending_seconds"`
}
