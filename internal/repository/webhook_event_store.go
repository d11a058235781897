package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookEventStore remembers processor webhook event ids so a redelivered
// event is acknowledged without reprocessing.
type WebhookEventStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a redis client from a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

// NewWebhookEventStore creates a new WebhookEventStore
func NewWebhookEventStore(client *redis.Client, ttl time.Duration) *WebhookEventStore {
	return &WebhookEventStore{client: client, ttl: ttl}
}

func webhookKey(eventID string) string {
	return "webhook_event:" + eventID
}

// MarkProcessing claims eventID. It returns false if the event was already claimed.
func (s *WebhookEventStore) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	if s.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	ok, err := s.client.SetNX(ctx, webhookKey(eventID), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	return ok, nil
}

// Forget drops the claim so a later redelivery is processed again
func (s *WebhookEventStore) Forget(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, webhookKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}
