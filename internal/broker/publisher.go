package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) PublishBookPublished(ctx context.Context, event domain.BookPublished) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, err := p.publishing(event)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.PublishWithContext(ctx, "", BookPublishedQueue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", BookPublishedQueue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) publishing(event domain.BookPublished) (amqp.Publishing, error) {
	payload, err := encodeBookPublished(event)
	if err != nil {
		return amqp.Publishing{}, err
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now().UTC(),
		MessageId:    messageID(event),
		Type:         BookPublishedQueue,
		Body:         payload,
	}, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
