package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const invalidationChannel = "memograph:cluster-cache:invalidate"

// invalidationMessage is the wire format on the pub/sub channel.
type invalidationMessage struct {
	UserID   string `json:"user_id"`
	Instance string `json:"instance"`
}

// CacheInvalidationBus fans cluster-cache invalidations out across
// instances over Redis pub/sub. The publishing instance tags messages
// with its own ID and ignores them on receipt; it already dropped its
// local entry before publishing.
//
// Publish is best effort. The persisted cache row is deleted before any
// message goes out, so a missed message costs other instances at most
// one hot-tier hit of an entry that will fail its next persisted lookup.
type CacheInvalidationBus struct {
	client     *redis.Client
	instanceID string
	cancel     context.CancelFunc
}

// NewCacheInvalidationBus connects to Redis and returns the bus.
func NewCacheInvalidationBus(redisURL string) (*CacheInvalidationBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established for cache invalidation")
	return &CacheInvalidationBus{
		client:     client,
		instanceID: uuid.New().String(),
	}, nil
}

// PublishInvalidation announces that a user's cluster cache entry was
// deleted. Errors are logged, not returned; see the type comment.
func (b *CacheInvalidationBus) PublishInvalidation(ctx context.Context, userID string) {
	payload, err := json.Marshal(invalidationMessage{
		UserID:   userID,
		Instance: b.instanceID,
	})
	if err != nil {
		log.Printf("⚠️ [INVALIDATION-BUS] Failed to marshal message: %v", err)
		return
	}

	if err := b.client.Publish(ctx, invalidationChannel, payload).Err(); err != nil {
		log.Printf("⚠️ [INVALIDATION-BUS] Publish failed for user %s: %v", userID, err)
	}
}

// Subscribe starts the background listener that drops local hot-tier
// entries when another instance invalidates. Runs until Close.
func (b *CacheInvalidationBus) Subscribe(cache *ClusterCache) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.client.Subscribe(ctx, invalidationChannel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var payload invalidationMessage
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					log.Printf("⚠️ [INVALIDATION-BUS] Undecodable message: %v", err)
					continue
				}
				if payload.Instance == b.instanceID || payload.UserID == "" {
					continue // our own publish, already handled locally
				}

				log.Printf("🗑️ [INVALIDATION-BUS] Dropping hot entry for user %s", payload.UserID)
				cache.Drop(payload.UserID)
			}
		}
	}()

	log.Printf("👂 [INVALIDATION-BUS] Subscribed to %s", invalidationChannel)
}

// Close stops the subscriber and closes the Redis connection.
func (b *CacheInvalidationBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}
