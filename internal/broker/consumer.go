package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	handler  BookPublishedHandler
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, handler BookPublishedHandler, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		handler:  handler,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume reads book.published events until ctx is canceled, reopening the
// channel with backoff whenever the broker drops it.
func (c *RabbitMQConsumer) Consume(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if c.handler == nil {
		return fmt.Errorf("book.published handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("book.published consumer interrupted",
			zap.Error(err),
			zap.Duration("retryIn", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		BookPublishedQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", BookPublishedQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d); err != nil {
				return err
			}
		}
	}
}

// handleDelivery settles exactly one delivery. Malformed events go straight to
// the dead-letter queue; a failed fanout is requeued once and dead-lettered on
// its second failure.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	event, err := decodeBookPublished(d.Body)
	if err != nil {
		c.logger.Warn("rejecting book.published message",
			zap.Error(err),
			zap.String("messageId", d.MessageId),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
		return nil
	}

	logger := c.logger.With(zap.Int64("bookId", event.BookID))

	if len(event.AuthorIDs) == 0 {
		logger.Warn("book has no authors, nothing to notify")
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
		return nil
	}

	created, err := c.handler.OnBookPublished(ctx, event)
	if err != nil {
		requeue := !d.Redelivered && !errors.Is(err, domain.ErrValidation)
		logger.Error("book.published fanout failed",
			zap.Error(err),
			zap.Bool("requeue", requeue),
		)
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			return fmt.Errorf("handler failed and nack failed: %w", nackErr)
		}
		return nil
	}

	logger.Info("book.published fanout done", zap.Int("created", created))

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}

	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
