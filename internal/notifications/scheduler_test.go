package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLocker struct {
	err      error
	acquired int
	released int
}

func (l *stubLocker) TryLock(_ context.Context, _ time.Duration) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func TestScheduler_RunOnce(t *testing.T) {
	queue := newMemQueue()
	queue.identities["u"] = "U-u"
	enqueueN(t, queue, "u", 3)
	locker := &stubLocker{}

	s := NewScheduler(SchedulerConfig{}, NewFlushJob(FlushConfig{}, queue, newRecordingChannel(), nil), queue, locker)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FlushResult{SentCount: 3, UserCount: 1}, res)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestScheduler_RunOnce_Locked(t *testing.T) {
	queue := newMemQueue()
	queue.identities["u"] = "U-u"
	enqueueN(t, queue, "u", 1)
	personal := newRecordingChannel()

	s := NewScheduler(SchedulerConfig{}, NewFlushJob(FlushConfig{}, queue, personal, nil), queue, &stubLocker{err: ErrFlushInProgress})

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrFlushInProgress)
	assert.Equal(t, 0, personal.count())
}

func TestScheduler_RunOnce_LockError(t *testing.T) {
	queue := newMemQueue()
	s := NewScheduler(SchedulerConfig{}, NewFlushJob(FlushConfig{}, queue, newRecordingChannel(), nil), queue, &stubLocker{err: errors.New("redis down")})

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire flush lock")
}

func TestLocalLocker(t *testing.T) {
	var l LocalLocker

	release, err := l.TryLock(context.Background(), time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrFlushInProgress)

	require.NoError(t, release(context.Background()))
	release, err = l.TryLock(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestScheduler_Cleanup(t *testing.T) {
	queue := newMemQueue()
	queue.identities["u"] = "U-u"
	enqueueN(t, queue, "u", 2)

	s := NewScheduler(SchedulerConfig{Retention: time.Hour}, NewFlushJob(FlushConfig{}, queue, newRecordingChannel(), nil), queue, nil)
	s.now = func() time.Time { return queue.clock }
	s.tick(context.Background())
	require.Len(t, queue.rowsFor("u"), 2, "freshly sent rows are kept")

	s.now = func() time.Time { return queue.clock.Add(2 * time.Hour) }
	s.cleanup(context.Background())
	assert.Empty(t, queue.rowsFor("u"))
}

func TestScheduler_StartStop(t *testing.T) {
	queue := newMemQueue()
	queue.identities["u"] = "U-u"
	enqueueN(t, queue, "u", 1)
	personal := newRecordingChannel()

	s := NewScheduler(SchedulerConfig{Interval: 10 * time.Millisecond}, NewFlushJob(FlushConfig{}, queue, personal, nil), queue, nil)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return personal.count() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	assert.Equal(t, 15*time.Minute, config.Interval)
	assert.Equal(t, 5*time.Minute, config.LockTTL)
	assert.Equal(t, 30*24*time.Hour, config.Retention)
}
