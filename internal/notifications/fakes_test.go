package notifications

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/google/uuid"
)

// memQueue is an in-memory Queue joined with an identity map.
type memQueue struct {
	mu         sync.Mutex
	rows       []QueuedNotification
	identities map[string]string
	clock      time.Time

	enqueueErr error
	fetchErr   error
	markErr    error
	afterFetch func()
	markCalls  [][]string
}

func newMemQueue() *memQueue {
	return &memQueue{
		identities: make(map[string]string),
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (q *memQueue) Enqueue(_ context.Context, entry NewQueuedNotification) (*QueuedNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}

	q.clock = q.clock.Add(time.Second)
	n := QueuedNotification{
		ID:          uuid.NewString(),
		UserID:      entry.UserID,
		ProjectName: entry.ProjectName,
		CardTitle:   entry.CardTitle,
		Action:      entry.Action,
		CreatedAt:   q.clock,
	}
	q.rows = append(q.rows, n)
	return &n, nil
}

func (q *memQueue) FetchPendingGroupedByUser(_ context.Context) (map[string]*PendingGroup, error) {
	q.mu.Lock()
	if q.fetchErr != nil {
		q.mu.Unlock()
		return nil, q.fetchErr
	}

	pending := make([]QueuedNotification, 0)
	for _, r := range q.rows {
		if !r.Sent {
			pending = append(pending, r)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool { return pending[a].CreatedAt.Before(pending[b].CreatedAt) })

	groups := make(map[string]*PendingGroup)
	for _, r := range pending {
		g, ok := groups[r.UserID]
		if !ok {
			g = &PendingGroup{UserID: r.UserID}
			if identity, found := q.identities[r.UserID]; found {
				id := identity
				g.Identity = &id
			}
			groups[r.UserID] = g
		}
		g.Add(r)
	}
	hook := q.afterFetch
	q.mu.Unlock()

	if hook != nil {
		hook()
	}
	return groups, nil
}

func (q *memQueue) MarkSent(ctx context.Context, ids []string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.markCalls = append(q.markCalls, append([]string(nil), ids...))
	if q.markErr != nil {
		return 0, q.markErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var n int64
	now := q.clock
	for i := range q.rows {
		if _, ok := want[q.rows[i].ID]; ok && !q.rows[i].Sent {
			q.rows[i].Sent = true
			q.rows[i].SentAt = &now
			n++
		}
	}
	return n, nil
}

func (q *memQueue) QueueStats(_ context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{}
	users := make(map[string]struct{})
	for _, r := range q.rows {
		if r.Sent {
			stats.Sent++
			continue
		}
		stats.Pending++
		users[r.UserID] = struct{}{}
	}
	stats.PendingUsers = int64(len(users))
	return stats, nil
}

func (q *memQueue) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.rows[:0]
	var n int64
	for _, r := range q.rows {
		if r.Sent && r.SentAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	q.rows = kept
	return n, nil
}

func (q *memQueue) GetPushIdentity(_ context.Context, userID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	identity, ok := q.identities[userID]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return identity, nil
}

func (q *memQueue) SetPushIdentity(_ context.Context, userID, identity string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.identities[userID] = identity
	return nil
}

func (q *memQueue) DeletePushIdentity(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.identities[userID]; !ok {
		return ErrIdentityNotFound
	}
	delete(q.identities, userID)
	return nil
}

func (q *memQueue) rowsFor(userID string) []QueuedNotification {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueuedNotification
	for _, r := range q.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// failingIdentities wraps an IdentityReader and fails for selected users.
type failingIdentities struct {
	IdentityReader
	fail map[string]error
}

func (f *failingIdentities) GetPushIdentity(ctx context.Context, userID string) (string, error) {
	if err, ok := f.fail[userID]; ok {
		return "", err
	}
	return f.IdentityReader.GetPushIdentity(ctx, userID)
}

type memPrefs struct {
	mu    sync.Mutex
	prefs map[string]domain.NotificationPreference
	err   error
}

func newMemPrefs() *memPrefs {
	return &memPrefs{prefs: make(map[string]domain.NotificationPreference)}
}

func (p *memPrefs) Get(_ context.Context, userID string) (domain.NotificationPreference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return domain.NotificationPreference{}, p.err
	}
	if pref, ok := p.prefs[userID]; ok {
		return pref, nil
	}
	return domain.DefaultPreference(userID), nil
}

func (p *memPrefs) setQuiet(userID string, start, end int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pref := domain.DefaultPreference(userID)
	pref.QuietHoursStart = &start
	pref.QuietHoursEnd = &end
	p.prefs[userID] = pref
}

type sentMessage struct {
	Identity string
	Message  Message
}

// recordingChannel records personal sends and fails for selected identities.
type recordingChannel struct {
	mu    sync.Mutex
	sent  []sentMessage
	fail  map[string]error
	panic map[string]bool
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{fail: make(map[string]error), panic: make(map[string]bool)}
}

func (c *recordingChannel) Send(_ context.Context, identity string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.panic[identity] {
		panic("boom")
	}
	if err, ok := c.fail[identity]; ok {
		return err
	}
	c.sent = append(c.sent, sentMessage{Identity: identity, Message: msg})
	return nil
}

func (c *recordingChannel) setFail(identity string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, identity)
		return
	}
	c.fail[identity] = err
}

func (c *recordingChannel) sentTo(identity string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message
	for _, s := range c.sent {
		if s.Identity == identity {
			out = append(out, s.Message)
		}
	}
	return out
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingBroadcast struct {
	mu     sync.Mutex
	events []domain.CardEvent
	err    error
}

func (b *recordingBroadcast) Broadcast(_ context.Context, event domain.CardEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, event)
	return nil
}

var errTransport = errors.New("transport down")

type classifiedError struct {
	retry bool
}

func (e *classifiedError) Error() string     { return "classified" }
func (e *classifiedError) IsRetryable() bool { return e.retry }

type rateLimitedError struct {
	after time.Duration
}

func (e *rateLimitedError) Error() string             { return "rate limited" }
func (e *rateLimitedError) IsRetryable() bool         { return true }
func (e *rateLimitedError) RetryDelay() time.Duration { return e.after }
