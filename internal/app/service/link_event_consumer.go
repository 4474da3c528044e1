package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerLink/internal/app/model"
	apprepository "github.com/sifan077/PowerLink/internal/app/repository"
	"go.uber.org/zap"
)

// LinkEventConsumer consumes link events from NATS JetStream and stores them.
type LinkEventConsumer struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	repo     apprepository.LinkEventRepository
	stop     chan struct{}
	retryMin time.Duration
	retryMax time.Duration
}

// fetcher is the part of a pull subscription the fetch loop uses.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	IsValid() bool
}

// NewLinkEventConsumer creates a new link event consumer.
func NewLinkEventConsumer(js nats.JetStreamContext, logger *zap.Logger, repo apprepository.LinkEventRepository) *LinkEventConsumer {
	return &LinkEventConsumer{
		js:       js,
		logger:   logger,
		repo:     repo,
		stop:     make(chan struct{}),
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
	}
}

// EnsureStream creates the link event stream when it does not exist yet.
func EnsureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(model.LinkStreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     model.LinkStreamName,
			Subjects: []string{model.LinkStreamSubject},
			MaxBytes: model.LinkStreamMaxBytes,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return nil
}

// Start begins consuming link events.
func (c *LinkEventConsumer) Start() error {
	if err := EnsureStream(c.js); err != nil {
		return err
	}

	// Create consumer if not exists
	_, err := c.js.ConsumerInfo(model.LinkStreamName, model.LinkConsumerName)
	if err != nil {
		_, err = c.js.AddConsumer(model.LinkStreamName, &nats.ConsumerConfig{
			Durable:   model.LinkConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.LinkStreamSubject, model.LinkConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.consume(sub)
	return nil
}

// Stop ends the fetch loop after the current batch.
func (c *LinkEventConsumer) Stop() {
	close(c.stop)
}

func (c *LinkEventConsumer) consume(sub fetcher) {
	ctx := context.Background()
	retry := c.retryMin
	for {
		select {
		case <-c.stop:
			c.logger.Info("link event consumer stopped")
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(5*time.Second))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if !sub.IsValid() {
				c.logger.Error("link event subscription closed", zap.Error(err))
				return
			}
			c.logger.Error("failed to fetch messages", zap.Error(err), zap.Duration("retry_in", retry))
			select {
			case <-c.stop:
				c.logger.Info("link event consumer stopped")
				return
			case <-time.After(retry):
			}
			retry = min(retry*2, c.retryMax)
			continue
		}
		retry = c.retryMin

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *LinkEventConsumer) handle(ctx context.Context, msg *nats.Msg) {
	var event model.LinkEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("failed to unmarshal link event", zap.Error(err))
		// A malformed payload never becomes valid; drop it.
		msg.Term()
		return
	}

	if err := c.repo.Create(ctx, &event); err != nil {
		c.logger.Error("failed to store link event",
			zap.String("id", event.ID),
			zap.Uint64("link_id", event.LinkID),
			zap.Error(err))
		msg.Nak()
		return
	}

	c.logger.Debug("link event stored",
		zap.String("id", event.ID),
		zap.Uint64("link_id", event.LinkID),
		zap.String("outcome", event.Outcome),
		zap.Time("timestamp", event.Timestamp),
	)

	msg.Ack()
}
