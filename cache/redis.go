package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis is a Cache over a Redis instance.
//
// The go-redis client is pool backed, so a single Redis may be shared by
// every worker.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    logrus.FieldLogger
}

// NewRedis creates a Redis cache from a redis:// URL.
func NewRedis(url string, ttl time.Duration, prefix string, log logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{
		client: redis.NewClient(opts),
		ttl:    ttl,
		prefix: prefix,
		log:    log,
	}, nil
}

func (r *Redis) key(sender string) string {
	if sender == "" {
		sender = "unknown"
	}
	return r.prefix + sender
}

// Put stores the message under the sender's key with the configured TTL.
func (r *Redis) Put(ctx context.Context, sender string, m Message) {
	key := r.key(sender)
	b, err := json.Marshal(m)
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("put failed")
		return
	}
	if err := r.client.Set(ctx, key, b, r.ttl).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("put failed")
		return
	}
	r.log.WithField("key", key).Debug("put")
}

// Get returns the message stored for the sender, or nil.
func (r *Redis) Get(ctx context.Context, sender string) *Message {
	v, err := r.client.Get(ctx, r.key(sender)).Result()
	if err != nil {
		return nil
	}
	var m Message
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil
	}
	return &m
}

// Close releases the client's connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
