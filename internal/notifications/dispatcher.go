package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/ctxlog"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	BroadcastTimeout time.Duration
	SendTimeout      time.Duration
	MaxConcurrency   int
	// Location is the time zone quiet hours are evaluated in.
	Location *time.Location
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BroadcastTimeout: 5 * time.Second,
		SendTimeout:      10 * time.Second,
		MaxConcurrency:   8,
		Location:         time.Local,
	}
}

type dispatchOutcome string

const (
	outcomeSent           dispatchOutcome = "sent"
	outcomeQueued         dispatchOutcome = "queued"
	outcomeNoIdentity     dispatchOutcome = "skipped_no_identity"
	outcomeIdentityError  dispatchOutcome = "identity_error"
	outcomeSendFailed     dispatchOutcome = "send_failed"
	outcomeEnqueueFailed  dispatchOutcome = "enqueue_failed"
	outcomeRecoveredPanic dispatchOutcome = "panic"
)

// Dispatcher fans a card event out to the broadcast channel and to every
// target user, either immediately or through the queue during quiet hours.
type Dispatcher struct {
	config     DispatcherConfig
	queue      Queue
	identities IdentityReader
	prefs      PreferenceReader
	broadcast  BroadcastChannel
	personal   PersonalChannel
	now        func() time.Time
}

// NewDispatcher creates a new notification dispatcher.
// A nil broadcast channel disables broadcasting.
func NewDispatcher(
	config DispatcherConfig,
	queue Queue,
	identities IdentityReader,
	prefs PreferenceReader,
	broadcast BroadcastChannel,
	personal PersonalChannel,
) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.BroadcastTimeout <= 0 {
		config.BroadcastTimeout = defaults.BroadcastTimeout
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}

	return &Dispatcher{
		config:     config,
		queue:      queue,
		identities: identities,
		prefs:      prefs,
		broadcast:  broadcast,
		personal:   personal,
		now:        time.Now,
	}
}

// Notify distributes event. It never fails: every error is logged where it
// happens and the remaining recipients are still processed. Notify returns
// once all recipients have been handled.
func (d *Dispatcher) Notify(ctx context.Context, event domain.CardEvent) {
	logger := ctxlog.FromContext(ctx).With(
		"project", event.ProjectName,
		"action", event.Action,
		"kind", event.KindOrOther(),
	)

	d.broadcastEvent(ctx, logger, event)

	targets := uniqueUserIDs(event.TargetUserIDs)
	if len(targets) == 0 {
		return
	}

	hour := d.now().In(d.config.Location).Hour()
	kind := string(event.KindOrOther())

	sem := make(chan struct{}, d.config.MaxConcurrency)
	var wg sync.WaitGroup

	for _, userID := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic while notifying user", "user_id", userID, "panic", r)
					recordDispatchOutcome(kind, outcomeRecoveredPanic)
				}
			}()

			outcome := d.notifyUser(ctx, logger.With("user_id", userID), userID, hour, event)
			recordDispatchOutcome(kind, outcome)
		}(userID)
	}

	wg.Wait()
}

func (d *Dispatcher) broadcastEvent(ctx context.Context, logger *slog.Logger, event domain.CardEvent) {
	if d.broadcast == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while broadcasting card event", "panic", r)
			recordNotificationSent(channelBroadcast, "failed")
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.config.BroadcastTimeout)
	defer cancel()

	start := time.Now()
	if err := d.broadcast.Broadcast(sendCtx, event); err != nil {
		logger.Error("failed to broadcast card event", "error", err)
		recordNotificationSent(channelBroadcast, "failed")
		return
	}

	recordNotificationSent(channelBroadcast, "success")
	recordNotificationDuration(channelBroadcast, time.Since(start))
}

func (d *Dispatcher) notifyUser(ctx context.Context, logger *slog.Logger, userID string, hour int, event domain.CardEvent) dispatchOutcome {
	identity, err := d.identities.GetPushIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			logger.Debug("user has no push identity, skipping")
			return outcomeNoIdentity
		}
		logger.Error("failed to load push identity", "error", err)
		return outcomeIdentityError
	}

	pref, err := d.prefs.Get(ctx, userID)
	if err != nil {
		logger.Warn("failed to load preferences, using defaults", "error", err)
		pref = domain.DefaultPreference(userID)
	}

	if pref.QuietAt(hour) {
		_, err := d.queue.Enqueue(ctx, NewQueuedNotification{
			UserID:      userID,
			ProjectName: event.ProjectName,
			CardTitle:   event.CardTitle,
			Action:      event.Action,
		})
		if err != nil {
			logger.Error("failed to enqueue notification", "error", err)
			return outcomeEnqueueFailed
		}
		logger.Debug("quiet hours active, notification queued", "hour", hour)
		return outcomeQueued
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err = d.personal.Send(sendCtx, identity, Message{
		Title:   event.ProjectName,
		Body:    event.Line(),
		AltText: event.ShortLine(),
	})
	if err != nil {
		logger.Error("failed to send personal notification", "error", err)
		recordNotificationSent(channelPersonal, "failed")
		return outcomeSendFailed
	}

	recordNotificationSent(channelPersonal, "success")
	recordNotificationDuration(channelPersonal, time.Since(start))
	return outcomeSent
}

func uniqueUserIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
