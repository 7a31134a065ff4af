package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
)

const (
	// BookPublishedQueue carries catalog book.published events to the fanout worker.
	BookPublishedQueue = "book.published"
	// BookPublishedDLQ receives events that could not be decoded or kept failing.
	BookPublishedDLQ = "dlq.book.published"

	dlxExchangeName = "sms.dlx"
)

// Publisher publishes catalog events.
type Publisher interface {
	PublishBookPublished(ctx context.Context, event domain.BookPublished) error
	Close() error
}

// BookPublishedHandler reacts to a decoded book.published event and reports
// how many notifications it queued.
type BookPublishedHandler interface {
	OnBookPublished(ctx context.Context, event domain.BookPublished) (int, error)
}

// BookPublishedHandlerFunc adapts a function to BookPublishedHandler.
type BookPublishedHandlerFunc func(ctx context.Context, event domain.BookPublished) (int, error)

func (f BookPublishedHandlerFunc) OnBookPublished(ctx context.Context, event domain.BookPublished) (int, error) {
	return f(ctx, event)
}

func messageID(event domain.BookPublished) string {
	return fmt.Sprintf("book-%d", event.BookID)
}

func encodeBookPublished(event domain.BookPublished) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal book.published event: %w", err)
	}
	return payload, nil
}

func decodeBookPublished(body []byte) (domain.BookPublished, error) {
	var event domain.BookPublished
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.BookPublished{}, fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	if err := event.Validate(); err != nil {
		return domain.BookPublished{}, err
	}
	return event, nil
}
