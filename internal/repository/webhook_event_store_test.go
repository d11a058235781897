package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*WebhookEventStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWebhookEventStore(client, ttl), mr
}

func TestWebhookEventStore_MarkProcessing(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	first, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := store.MarkProcessing(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, other)

	assert.Equal(t, time.Hour, mr.TTL(webhookKey("evt_1")))
}

func TestWebhookEventStore_ClaimExpires(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	first, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestWebhookEventStore_Forget(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, store.Forget(ctx, "evt_1"))

	first, err := store.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestWebhookEventStore_Unavailable(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	mr.Close()

	_, err := store.MarkProcessing(context.Background(), "evt_1")
	assert.Error(t, err)

	_, err = NewWebhookEventStore(nil, time.Hour).MarkProcessing(context.Background(), "evt_1")
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, client.Options().DB)

	_, err = NewRedisClient("localhost:6379")
	assert.Error(t, err)
}
