package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellapay/escrowd/internal/circuitbreaker"
	"github.com/stellapay/escrowd/internal/escrow"
)

type published struct {
	channel string
	payload string
}

type fakeClient struct {
	err  error
	sent []published
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.(string)})
	cmd.SetVal(1)
	return cmd
}

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	client := &fakeClient{}
	p := NewRedisPublisher(client, "escrow.events", slog.Default())

	ev := escrow.Event{
		Type:      escrow.EventEscrowCreated,
		EscrowID:  4,
		Timestamp: 1_700_000_000,
		Data:      map[string]any{"depositor": "alice"},
	}
	p.Emit(context.Background(), ev)

	require.Len(t, client.sent, 1)
	assert.Equal(t, "escrow.events", client.sent[0].channel)

	var got escrow.Event
	require.NoError(t, json.Unmarshal([]byte(client.sent[0].payload), &got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.EscrowID, got.EscrowID)
	assert.Equal(t, "alice", got.Data["depositor"])
}

func TestRedisPublisher_BreakerOpensOnFailures(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	p := NewRedisPublisher(client, "escrow.events", slog.Default()).
		WithBreaker(circuitbreaker.New(2, time.Hour))
	ctx := context.Background()
	ev := escrow.Event{Type: escrow.EventWorkStarted, EscrowID: 1}

	assert.ErrorContains(t, p.Publish(ctx, ev), "connection refused")
	assert.ErrorContains(t, p.Publish(ctx, ev), "connection refused")
	assert.ErrorIs(t, p.Publish(ctx, ev), circuitbreaker.ErrOpen)

	// Emit never surfaces the failure.
	p.Emit(ctx, ev)
}

func TestRedisPublisher_IgnoresCancelledCaller(t *testing.T) {
	client := &fakeClient{}
	p := NewRedisPublisher(client, "escrow.events", slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Publish(ctx, escrow.Event{Type: escrow.EventWorkStarted, EscrowID: 1}))
	assert.Len(t, client.sent, 1)
}
