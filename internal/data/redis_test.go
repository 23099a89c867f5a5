package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

func TestDecodeMessage(t *testing.T) {
	msg := redis.XMessage{ID: "1-0", Values: map[string]any{"id": "custom-id", "payload": `{"x":1}`}}
	id, payload := DecodeMessage(msg)
	assert.Equal(t, "custom-id", id)
	assert.Equal(t, `{"x":1}`, string(payload))

	msg2 := redis.XMessage{ID: "2-0", Values: map[string]any{"payload": []byte(`{"y":2}`)}}
	id2, payload2 := DecodeMessage(msg2)
	assert.Equal(t, "2-0", id2)
	assert.Equal(t, `{"y":2}`, string(payload2))

	_, empty := DecodeMessage(redis.XMessage{ID: "3-0", Values: map[string]any{}})
	assert.Empty(t, empty)
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "k", prefixed("", "k"))
	assert.Equal(t, "esa:events", prefixed("esa:", "events"))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(ingestcfg.RedisConfig{
		Addr:          mr.Addr(),
		KeyPrefix:     "esa:",
		Stream:        "events",
		DLQStream:     "events:dlq",
		ConsumerGroup: "ingest",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedis_ReadAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.EnsureGroup(ctx))
	require.NoError(t, r.EnsureGroup(ctx), "second EnsureGroup must tolerate BUSYGROUP")

	_, err := r.XAdd(ctx, "evt-1", []byte(`{"event":{"id":"evt-1"}}`))
	require.NoError(t, err)

	streams, err := r.ReadBatch(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)
	m := streams[0].Messages[0]
	id, payload := DecodeMessage(m)
	assert.Equal(t, "evt-1", id)
	assert.Contains(t, string(payload), "evt-1")

	require.NoError(t, r.Ack(ctx, m.ID))
	pending, err := r.C().XPending(ctx, "esa:events", "ingest").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedis_ReadBatchEmpty(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.EnsureGroup(ctx))
	streams, err := r.ReadBatch(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestRedis_ToDLQ(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.ToDLQ(ctx, "evt-9", []byte("{}"), "InvalidSignature"))

	entries, err := r.C().XRange(ctx, "esa:events:dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-9", entries[0].Values["id"])
	assert.Equal(t, "InvalidSignature", entries[0].Values["reason"])
}

func TestRedis_AutoClaim(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.EnsureGroup(ctx))
	_, err := r.XAdd(ctx, "evt-1", []byte("{}"))
	require.NoError(t, err)
	_, err = r.ReadBatch(ctx, "crashed", 10, 10*time.Millisecond)
	require.NoError(t, err)

	msgs, _, err := r.AutoClaim(ctx, "c2", 0, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id, _ := DecodeMessage(msgs[0])
	assert.Equal(t, "evt-1", id)
}

func TestRedis_Cache(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	_, found, err := r.CacheGet(ctx, "transport:push-svc")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.CacheSet(ctx, "transport:push-svc", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("esa:transport:push-svc"))
	b, found, err := r.CacheGet(ctx, "transport:push-svc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(b))

	mr.FastForward(2 * time.Minute)
	_, found, err = r.CacheGet(ctx, "transport:push-svc")
	require.NoError(t, err)
	assert.False(t, found)
}
