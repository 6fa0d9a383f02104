// Package pubsub implements a Google Cloud Pub/Sub notifier.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/publisher"
)

// Publisher publishes store notifications to a topic.
type Publisher struct {
	topic *pubsub.Topic
	now   func() time.Time
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic, now: time.Now}
}

// Notify publishes the notification as JSON and waits for the server ack.
// Empty notifications are dropped.
func (p *Publisher) Notify(ctx context.Context, storeID string, n crawler.Notification) error {
	if n.Empty() {
		return nil
	}
	_, err := p.Publish(ctx, publisher.NewEvent(storeID, n, p.now()))
	return err
}

// Publish marshals the event to JSON and publishes it, returning the server id.
func (p *Publisher) Publish(ctx context.Context, event publisher.Event) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"store_id": event.StoreID,
			"kind":     event.Kind(),
		},
	}
	result := p.topic.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
