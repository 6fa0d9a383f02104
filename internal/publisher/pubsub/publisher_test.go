package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/publisher"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "store-events")
	require.NoError(t, err)
	return srv, topic
}

func TestNotifyPublishesEvent(t *testing.T) {
	srv, topic := newTestTopic(t)
	pub := New(topic)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }
	defer pub.Stop()

	err := pub.Notify(context.Background(), "store-1", crawler.Notification{SoldItemIDs: []string{"111", "222"}})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "store-1", msgs[0].Attributes["store_id"])
	assert.Equal(t, "sold", msgs[0].Attributes["kind"])

	var got publisher.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, []string{"111", "222"}, got.SoldItemIDs)
	assert.Equal(t, fixed, got.SentAt)
}

func TestNotifySkipsEmpty(t *testing.T) {
	srv, topic := newTestTopic(t)
	pub := New(topic)
	defer pub.Stop()

	require.NoError(t, pub.Notify(context.Background(), "store-1", crawler.Notification{}))
	assert.Empty(t, srv.Messages())
}

func TestPublishWithoutTopic(t *testing.T) {
	_, err := New(nil).Publish(context.Background(), publisher.Event{StoreID: "x"})
	assert.Error(t, err)
}
