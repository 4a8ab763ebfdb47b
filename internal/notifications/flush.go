package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FlushConfig contains flush job configuration.
type FlushConfig struct {
	Workers     int
	SendTimeout time.Duration
}

// DefaultFlushConfig returns default flush job configuration.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Workers:     4,
		SendTimeout: 10 * time.Second,
	}
}

// markSentTimeout bounds marking a delivered group once its summary was sent.
const markSentTimeout = 5 * time.Second

// FlushResult summarizes one flush run.
//
// SentCount is the number of queued entries delivered in this run.
// UserCount is the number of users a delivery was attempted for, successful
// or not. Users skipped for lack of a push identity are not counted.
type FlushResult struct {
	SentCount int `json:"sent_count"`
	UserCount int `json:"user_count"`
}

type groupOutcome int

const (
	groupDelivered groupOutcome = iota
	groupSkippedNoIdentity
	groupFailed
)

func (o groupOutcome) String() string {
	switch o {
	case groupDelivered:
		return "delivered"
	case groupSkippedNoIdentity:
		return "skipped_no_identity"
	case groupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type groupResult struct {
	userID  string
	outcome groupOutcome
	entries int
	err     error
}

// FlushJob drains the queue, sending one summary per user.
type FlushJob struct {
	config   FlushConfig
	queue    Queue
	personal PersonalChannel
	logger   *slog.Logger
}

// NewFlushJob creates a new flush job.
func NewFlushJob(config FlushConfig, queue Queue, personal PersonalChannel, logger *slog.Logger) *FlushJob {
	defaults := DefaultFlushConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FlushJob{
		config:   config,
		queue:    queue,
		personal: personal,
		logger:   logger,
	}
}

// Flush delivers all pending notifications. Each user is handled
// independently: a failed user keeps its rows pending for the next run.
// Only a failure to read the queue is returned as an error.
func (j *FlushJob) Flush(ctx context.Context) (FlushResult, error) {
	groups, err := j.queue.FetchPendingGroupedByUser(ctx)
	if err != nil {
		recordFlushRun("error")
		return FlushResult{}, fmt.Errorf("fetch pending notifications: %w", err)
	}

	if len(groups) == 0 {
		recordFlushRun("empty")
		return FlushResult{}, nil
	}

	ordered := make([]*PendingGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].UserID < ordered[b].UserID })

	jobs := make(chan *PendingGroup)
	results := make(chan groupResult, len(ordered))

	workers := min(j.config.Workers, len(ordered))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				results <- j.flushGroup(ctx, g)
			}
		}()
	}

	for _, g := range ordered {
		jobs <- g
	}
	close(jobs)
	wg.Wait()
	close(results)

	var res FlushResult
	for r := range results {
		recordFlushGroup(r.outcome)
		switch r.outcome {
		case groupDelivered:
			res.SentCount += r.entries
			res.UserCount++
		case groupFailed:
			res.UserCount++
			j.logger.Warn("flush failed for user, rows stay pending",
				"user_id", r.userID,
				"entries", r.entries,
				"error", r.err,
			)
		case groupSkippedNoIdentity:
			j.logger.Debug("user has no push identity, rows stay pending",
				"user_id", r.userID,
				"entries", r.entries,
			)
		}
	}

	recordFlushRun("ok")
	j.logger.Info("flush completed",
		"groups", len(ordered),
		"sent_count", res.SentCount,
		"user_count", res.UserCount,
	)

	return res, nil
}

func (j *FlushJob) flushGroup(ctx context.Context, g *PendingGroup) (result groupResult) {
	result = groupResult{userID: g.UserID, entries: len(g.Entries)}

	defer func() {
		if r := recover(); r != nil {
			result.outcome = groupFailed
			result.err = fmt.Errorf("panic: %v", r)
		}
	}()

	if g.Identity == nil || *g.Identity == "" {
		result.outcome = groupSkippedNoIdentity
		return result
	}

	body, titleLine := ComposeSummary(g.Entries)

	sendCtx, cancel := context.WithTimeout(ctx, j.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err := j.personal.Send(sendCtx, *g.Identity, Message{
		Title:   SummaryTitle,
		Body:    body,
		AltText: titleLine,
	})
	if err != nil {
		recordNotificationSent(channelPersonal, "failed")
		result.outcome = groupFailed
		result.err = err
		return result
	}
	recordNotificationSent(channelPersonal, "success")
	recordNotificationDuration(channelPersonal, time.Since(start))

	// Only the ids fetched for this group are marked; rows enqueued since the
	// fetch stay pending.
	// The summary is already out; a cancelled run must not leave its rows pending.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), markSentTimeout)
	defer markCancel()
	marked, err := j.queue.MarkSent(markCtx, g.IDs)
	if err != nil {
		j.logger.Error("summary sent but marking rows failed, they will be sent again",
			"user_id", g.UserID,
			"ids", len(g.IDs),
			"error", err,
		)
	} else if int(marked) != len(g.IDs) {
		j.logger.Warn("marked fewer rows than fetched",
			"user_id", g.UserID,
			"fetched", len(g.IDs),
			"marked", marked,
		)
	}

	result.outcome = groupDelivered
	return result
}
