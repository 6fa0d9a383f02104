// Package publisher delivers store notifications to downstream consumers.
package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Event is the wire payload of a store notification.
type Event struct {
	StoreID      string    `json:"store_id"`
	NewItemCount int       `json:"new_item_count"`
	SoldItemIDs  []string  `json:"sold_item_ids,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// Kind labels an event for routing: "sold", "new" or "mixed".
func (e Event) Kind() string {
	switch {
	case len(e.SoldItemIDs) > 0 && e.NewItemCount > 0:
		return "mixed"
	case len(e.SoldItemIDs) > 0:
		return "sold"
	default:
		return "new"
	}
}

// NewEvent builds an Event for storeID.
func NewEvent(storeID string, n crawler.Notification, at time.Time) Event {
	return Event{
		StoreID:      storeID,
		NewItemCount: n.NewItemCount,
		SoldItemIDs:  n.SoldItemIDs,
		SentAt:       at.UTC(),
	}
}

// Log writes notifications to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify logs the notification. Empty notifications are dropped.
func (l *Log) Notify(_ context.Context, storeID string, n crawler.Notification) error {
	if n.Empty() {
		return nil
	}
	l.logger.Info("store notification",
		zap.String("store_id", storeID),
		zap.Int("new_items", n.NewItemCount),
		zap.Strings("sold_item_ids", n.SoldItemIDs),
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []crawler.Notifier

// Notify implements crawler.Notifier.
func (m Multi) Notify(ctx context.Context, storeID string, n crawler.Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, storeID, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
