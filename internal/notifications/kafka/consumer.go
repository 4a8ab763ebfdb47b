// Package kafka consumes card events published by the board service and hands
// them to the notification dispatcher.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
)

// Config holds consumer settings.
type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Notifier accepts decoded card events.
type Notifier interface {
	Notify(ctx context.Context, event domain.CardEvent)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// cardEventMessage is the wire format of a card event.
type cardEventMessage struct {
	Kind          string   `json:"kind" validate:"omitempty,oneof=assigned title_changed due_soon moved other"`
	CardTitle     string   `json:"card_title" validate:"required"`
	Action        string   `json:"action" validate:"required"`
	ProjectName   string   `json:"project_name" validate:"required"`
	TargetUserIDs []string `json:"target_user_ids"`
}

// Consumer reads card events from a Kafka topic.
type Consumer struct {
	reader    messageReader
	notifier  Notifier
	validator *validator.Validate
	topic     string
	groupID   string
	backoff   time.Duration
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg Config, notifier Notifier) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, cfg, notifier)
}

func newConsumer(reader messageReader, cfg Config, notifier Notifier) *Consumer {
	return &Consumer{
		reader:    reader,
		notifier:  notifier,
		validator: validator.New(),
		topic:     cfg.Topic,
		groupID:   cfg.GroupID,
		backoff:   time.Second,
	}
}

// Run consumes messages until ctx is cancelled.
// Malformed messages are logged and committed so they do not block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Error("failed to close kafka reader", "error", err)
		}
	}()

	slog.Info("card event consumer started", "topic", c.topic, "group", c.groupID)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("card event consumer stopped")
				return nil
			}
			slog.Error("failed to fetch card event", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		msgCtx := ctxlog.With(ctx, "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
		if err := c.handleMessage(msgCtx, m.Value); err != nil {
			ctxlog.FromContext(msgCtx).Warn("dropping card event", "error", err)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("failed to commit card event", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	var msg cardEventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("decode card event: %w", err)
	}
	if err := c.validator.Struct(msg); err != nil {
		return fmt.Errorf("validate card event: %w", err)
	}

	c.notifier.Notify(ctx, domain.CardEvent{
		Kind:          domain.CardEventKind(msg.Kind),
		CardTitle:     msg.CardTitle,
		Action:        msg.Action,
		ProjectName:   msg.ProjectName,
		TargetUserIDs: msg.TargetUserIDs,
	})
	return nil
}
