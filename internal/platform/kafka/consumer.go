package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// MessageHandler processes one consumed message. A returned error is retried
// a bounded number of times before the message is skipped.
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// ConsumerConfig holds configuration for a Consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string

	// FromNewest starts a new group at the end of the topic instead of the beginning.
	FromNewest bool

	// HandlerAttempts bounds how often a failing message is retried. Defaults to 3.
	HandlerAttempts int

	// RetryBackoff is the pause between handler retries. Defaults to 500ms.
	RetryBackoff time.Duration
}

// Consumer reads topics as a member of a consumer group.
type Consumer struct {
	group    sarama.ConsumerGroup
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewConsumer joins the consumer group described by cfg.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	if cfg.FromNewest {
		config.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group %s: %w", cfg.GroupID, err)
	}
	return NewConsumerFromGroup(group, cfg, logger), nil
}

// NewConsumerFromGroup wraps an existing consumer group.
func NewConsumerFromGroup(group sarama.ConsumerGroup, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.HandlerAttempts <= 0 {
		cfg.HandlerAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		group:    group,
		attempts: cfg.HandlerAttempts,
		backoff:  cfg.RetryBackoff,
		logger:   logger.With(slog.String("component", "kafka_consumer"), slog.String("group", cfg.GroupID)),
	}
}

// Consume feeds messages from topics to handler until ctx is done.
// It rejoins the group after every rebalance.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	h := &consumerHandler{
		fn:       handler,
		attempts: c.attempts,
		backoff:  c.backoff,
		logger:   c.logger,
	}
	for {
		if err := c.group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %v: %w", topics, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerHandler struct {
	fn       MessageHandler
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(ctx, msg)
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	for attempt := 1; ; attempt++ {
		err := h.fn(ctx, msg)
		if err == nil {
			return
		}
		if errors.Is(err, ErrMalformedMessage) || attempt >= h.attempts {
			h.logger.Error("dropping message",
				slog.String("topic", msg.Topic),
				slog.Int("partition", int(msg.Partition)),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.backoff):
		}
	}
}
