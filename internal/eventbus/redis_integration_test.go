//go:build integration

package eventbus

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellapay/escrowd/internal/escrow"
)

func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	channel := "escrowd-test:" + t.Name()

	received := make(chan escrow.Event, 1)
	sub := NewRedisSubscriber(client, channel, slog.Default())
	require.NoError(t, sub.Run(ctx, escrow.EmitterFunc(func(_ context.Context, ev escrow.Event) {
		received <- ev
	})))

	pub := NewRedisPublisher(client, channel, slog.Default())
	require.NoError(t, pub.Publish(ctx, escrow.Event{Type: escrow.EventEscrowRefunded, EscrowID: 9}))

	select {
	case ev := <-received:
		assert.Equal(t, escrow.EventEscrowRefunded, ev.Type)
		assert.Equal(t, uint32(9), ev.EscrowID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not relayed")
	}
}
