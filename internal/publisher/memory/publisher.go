// Package memory contains an in-memory notifier for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Publisher records notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one Notify call.
type PublishedMessage struct {
	StoreID      string
	Notification crawler.Notification
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Notify records the notification.
func (p *Publisher) Notify(_ context.Context, storeID string, n crawler.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n.SoldItemIDs = append([]string(nil), n.SoldItemIDs...)
	p.messages = append(p.messages, PublishedMessage{StoreID: storeID, Notification: n})
	return nil
}

// Messages returns a copy of the recorded notifications.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ForStore returns the notifications recorded for storeID.
func (p *Publisher) ForStore(storeID string) []crawler.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.Notification
	for _, m := range p.messages {
		if m.StoreID == storeID {
			out = append(out, m.Notification)
		}
	}
	return out
}
