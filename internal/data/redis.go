package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

// Redis wraps the consumer-group operations on the inbound event stream and
// the small key/value cache used by the transport registry.
type Redis struct {
	cfg          ingestcfg.RedisConfig
	c            *redis.Client
	stream       string
	dlq          string
	group        string
	maxLenApprox int64
}

func NewRedis(cfg ingestcfg.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  3 * time.Second,
	})
	return &Redis{
		cfg:          cfg,
		c:            client,
		stream:       prefixed(cfg.KeyPrefix, cfg.Stream),
		dlq:          prefixed(cfg.KeyPrefix, cfg.DLQStream),
		group:        cfg.ConsumerGroup,
		maxLenApprox: cfg.MaxLenApprox,
	}, nil
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func (r *Redis) C() *redis.Client { return r.c }

func (r *Redis) Stream() string { return r.stream }

func (r *Redis) DLQStream() string { return r.dlq }

// EnsureGroup creates the consumer group, and the stream if needed.
func (r *Redis) EnsureGroup(ctx context.Context) error {
	err := r.c.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadBatch reads new entries for this consumer. A block timeout with no
// entries returns nil, nil.
func (r *Redis) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]redis.XStream, error) {
	res, err := r.c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumer,
		Streams:  []string{r.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (r *Redis) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.c.XAck(ctx, r.stream, r.group, ids...).Err()
}

// AutoClaim takes over entries that stayed pending longer than minIdle.
// It returns the cursor for the next call; "0-0" means the scan wrapped.
func (r *Redis) AutoClaim(ctx context.Context, consumer string, minIdle time.Duration, start string, count int) ([]redis.XMessage, string, error) {
	if start == "" {
		start = "0-0"
	}
	msgs, next, err := r.c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "0-0", nil
	}
	return msgs, next, err
}

// ToDLQ copies a message to the dead-letter stream together with the reason
// it was rejected.
func (r *Redis) ToDLQ(ctx context.Context, id string, payload []byte, reason string) error {
	if r.dlq == "" {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.XAdd(cctx, &redis.XAddArgs{
		Stream: r.dlq,
		Values: map[string]any{"id": id, "payload": payload, "reason": reason},
	}).Err()
}

// XAdd appends an envelope to the inbound stream.
func (r *Redis) XAdd(ctx context.Context, id string, payload []byte) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"id": id, "payload": payload},
	}
	if r.maxLenApprox > 0 {
		args.MaxLen = r.maxLenApprox
		args.Approx = true
	}
	return r.c.XAdd(cctx, args).Result()
}

// CacheGet returns a cached value under the configured key prefix.
func (r *Redis) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.c.Get(ctx, prefixed(r.cfg.KeyPrefix, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, prefixed(r.cfg.KeyPrefix, key), value, ttl).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.c.Close()
}

// DecodeMessage extracts the envelope id and payload from a stream entry.
// The stream entry id is used when the producer did not set one.
func DecodeMessage(msg redis.XMessage) (id string, payload []byte) {
	id = msg.ID
	if v, ok := msg.Values["id"].(string); ok && v != "" {
		id = v
	}
	switch v := msg.Values["payload"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return id, payload
}
