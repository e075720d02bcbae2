// Copyright 2024-2026 Aiku AI

package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisQueueSize      = 256
	redisPublishTimeout = 5 * time.Second
)

// redisClient is the subset of *redis.Client used by Redis.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events as JSON on Redis pub/sub channels named
// <prefix><event type>. Events are queued and sent from Run.
type Redis struct {
	client  redisClient
	prefix  string
	queue   chan Event
	dropped atomic.Int64
	log     zerolog.Logger
}

var _ Publisher = (*Redis)(nil)

// NewRedis creates a publisher over an existing client.
func NewRedis(client redisClient, prefix string, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		queue:  make(chan Event, redisQueueSize),
		log:    log.With().Str("component", "redis_publisher").Logger(),
	}
}

// Publish enqueues evt, dropping it when the queue is full.
func (r *Redis) Publish(evt Event) {
	select {
	case r.queue <- evt:
	default:
		n := r.dropped.Add(1)
		r.log.Warn().
			Str("type", evt.Type).
			Str("user_id", evt.UserID).
			Int64("dropped_total", n).
			Msg("Redis publish queue full, dropping event")
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (r *Redis) Dropped() int64 {
	return r.dropped.Load()
}

// Run sends queued events until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-r.queue:
			r.send(ctx, evt)
		}
	}
}

func (r *Redis) send(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.log.Error().Err(err).Str("type", evt.Type).Msg("Failed to marshal event")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.prefix+evt.Type, data).Err(); err != nil {
		r.log.Warn().Err(err).
			Str("type", evt.Type).
			Str("user_id", evt.UserID).
			Msg("Failed to publish event to Redis")
	}
}
