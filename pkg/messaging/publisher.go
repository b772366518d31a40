package messaging

import (
	"context"
	"errors"
)

// ErrDuplicate is returned when the bus already holds an event with the same message id.
var ErrDuplicate = errors.New("duplicate event")

// Subjects of order lifecycle events.
const (
	OrdersSubjectPrefix   = "orders."
	OrderPlacedSubject    = "orders.placed"
	OrderUpdatedSubject   = "orders.updated"
	OrderCancelledSubject = "orders.cancelled"
)

type Event interface {
	Subject() string
	Payload() ([]byte, error)
}

// Keyed is implemented by events that carry an idempotency key.
type Keyed interface {
	MessageID() string
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event. It is used when no event bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error {
	return nil
}
