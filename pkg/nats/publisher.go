package nats

import (
	"context"
	"fmt"

	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsPublisher publishes events to JetStream. Events that carry a message id are
// de-duplicated by the stream within its duplicate window.
type NatsPublisher struct {
	js       jetstream.JetStream
	attempts int
}

func NewNatsPublisher(js jetstream.JetStream) *NatsPublisher {
	return &NatsPublisher{js: js, attempts: 3}
}

func (p *NatsPublisher) Publish(ctx context.Context, event messaging.Event) error {
	data, err := event.Payload()
	if err != nil {
		return fmt.Errorf("failed to get event payload: %w", err)
	}
	opts := []jetstream.PublishOpt{jetstream.WithRetryAttempts(p.attempts)}
	if keyed, ok := event.(messaging.Keyed); ok {
		opts = append(opts, jetstream.WithMsgID(keyed.MessageID()))
	}
	ack, err := p.js.Publish(ctx, event.Subject(), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Subject(), err)
	}
	if ack.Duplicate {
		return messaging.ErrDuplicate
	}
	return nil
}
