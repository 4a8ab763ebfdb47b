package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
)

// BroadcastChannel delivers every card event to the single team-wide sink.
type BroadcastChannel interface {
	Broadcast(ctx context.Context, event domain.CardEvent) error
}

// PersonalChannel delivers one message to a user's push identity.
type PersonalChannel interface {
	Send(ctx context.Context, identity string, msg Message) error
}

// Message is the content conveyed to a personal channel recipient.
type Message struct {
	Title   string
	Body    string
	AltText string
}

// retryable is implemented by transport errors that know whether a retry may help.
type retryable interface {
	IsRetryable() bool
}

// isRetryable reports whether err may succeed on a later attempt.
// Errors that do not classify themselves count as retryable.
func isRetryable(err error) bool {
	if errors.Is(err, ErrChannelNotEnabled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// retryDelayer is implemented by transport errors carrying a server-requested backoff.
type retryDelayer interface {
	RetryDelay() time.Duration
}

// retryDelay returns the backoff requested by err, or zero.
func retryDelay(err error) time.Duration {
	var d retryDelayer
	if errors.As(err, &d) {
		return d.RetryDelay()
	}
	return 0
}
