package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/publisher/memory"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, crawler.Notification) error {
	return errors.New("down")
}

func TestEventKind(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "new", NewEvent("s", crawler.Notification{NewItemCount: 2}, at).Kind())
	assert.Equal(t, "sold", NewEvent("s", crawler.Notification{SoldItemIDs: []string{"1"}}, at).Kind())
	assert.Equal(t, "mixed", NewEvent("s", crawler.Notification{NewItemCount: 1, SoldItemIDs: []string{"1"}}, at).Kind())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLog(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), "store-1", crawler.Notification{}))
	assert.Zero(t, logs.Len())

	require.NoError(t, n.Notify(context.Background(), "store-1", crawler.Notification{NewItemCount: 3}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "store-1", logs.All()[0].ContextMap()["store_id"])
}

func TestMultiDeliversToAll(t *testing.T) {
	rec := memory.New()
	m := Multi{failingNotifier{}, nil, rec}

	err := m.Notify(context.Background(), "store-1", crawler.Notification{NewItemCount: 1})
	assert.Error(t, err)
	assert.Len(t, rec.Messages(), 1)
}
