package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/home-services-matching/internal/models"
)

// RedisPublisher is the subset of redis operations the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PushInbox(ctx context.Context, key string, payload []byte, max int64, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func (r *redisAdapter) PushInbox(ctx context.Context, key string, payload []byte, max int64, ttl time.Duration) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, payload)
		p.LTrim(ctx, key, 0, max-1)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// RedisSink publishes each notification on "<prefix>:<user id>" and keeps the
// latest ones in a capped per-user inbox list.
type RedisSink struct {
	pub      RedisPublisher
	prefix   string
	inboxMax int64
	inboxTTL time.Duration
}

func NewRedisSink(c *redis.Client, prefix string) *RedisSink {
	return NewRedisSinkWithPublisher(&redisAdapter{c: c}, prefix)
}

func NewRedisSinkWithPublisher(p RedisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "notifications"
	}
	return &RedisSink{pub: p, prefix: prefix, inboxMax: 50, inboxTTL: 7 * 24 * time.Hour}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Deliver(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUndeliverable, err)
	}
	if err := r.pub.PushInbox(ctx, r.prefix+":inbox:"+n.UserID, b, r.inboxMax, r.inboxTTL); err != nil {
		return err
	}
	return r.pub.Publish(ctx, r.prefix+":"+n.UserID, b)
}
