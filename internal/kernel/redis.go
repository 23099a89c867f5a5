package kernel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingest"
	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
)

const (
	sourceRedis = "redis"
	sourceNATS  = "nats"
)

// consumeRedis reads the stream through the consumer group until ctx is done.
func (k *Kernel) consumeRedis(ctx context.Context) {
	count := k.cfg.Redis.ReadCount
	if count <= 0 {
		count = 100
	}
	block := time.Duration(k.cfg.Redis.BlockMs) * time.Millisecond
	if block <= 0 {
		block = 5 * time.Second
	}
	logging.Info("redis_consumer_start", logging.F("stream", k.rd.Stream()), logging.F("consumer", k.consumer))
	for ctx.Err() == nil {
		streams, err := k.rd.ReadBatch(ctx, k.consumer, count, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.events.Infra("read", "redis", "failed", err.Error())
			_ = k.sleep(ctx, 500*time.Millisecond)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				k.handleRedisMessage(ctx, m, false)
			}
		}
	}
}

// handleRedisMessage runs one stream entry through the pipeline. Drops are
// copied to the DLQ and acknowledged. Internal failures are acknowledged only
// once spilled; otherwise the entry stays pending for the claim loop.
//
// A reclaimed entry that comes back as DuplicateEvent was persisted by an
// earlier delivery whose ack failed, so it is acknowledged without a DLQ copy.
func (k *Kernel) handleRedisMessage(ctx context.Context, m redis.XMessage, reclaimed bool) {
	metrics.RedisReadTotal.Inc()
	observeRedisLag(m.ID)
	id, payload := data.DecodeMessage(m)

	out, err := k.process(ctx, payload)
	if err != nil {
		if !k.spillPayload(id, payload, sourceRedis) {
			logging.Warn("redis_message_pending", logging.F("id", id), logging.F("stream_id", m.ID), logging.Err(err))
			return
		}
	} else if out.Dropped() {
		if reclaimed && out.Reason == ingest.DuplicateEvent {
			logging.Debug("redis_reclaimed_duplicate", logging.F("id", id), logging.F("stream_id", m.ID))
		} else {
			k.toDLQ(ctx, id, payload, out.Reason)
		}
	}
	if err := k.rd.Ack(ctx, m.ID); err != nil {
		k.events.Infra("ack", "redis", "failed", fmt.Sprintf("stream_id=%s error=%v", m.ID, err))
		return
	}
	metrics.RedisAckTotal.Inc()
}

func (k *Kernel) toDLQ(ctx context.Context, id string, payload []byte, reason ingest.DropReason) {
	if err := k.rd.ToDLQ(ctx, id, payload, string(reason)); err != nil {
		k.events.Infra("write", "redis", "failed", fmt.Sprintf("dlq id=%s error=%v", id, err))
		return
	}
	metrics.RedisDLQTotal.Inc()
}

// claimLoop takes over entries another consumer left pending for longer
// than claim_idle_ms.
func (k *Kernel) claimLoop(ctx context.Context) {
	idle := time.Duration(k.cfg.Redis.ClaimIdleMs) * time.Millisecond
	if idle <= 0 {
		idle = time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.claimOnce(ctx, idle)
		}
	}
}

func (k *Kernel) claimOnce(ctx context.Context, idle time.Duration) int {
	count := k.cfg.Redis.ReadCount
	if count <= 0 {
		count = 100
	}
	claimed := 0
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := k.rd.AutoClaim(ctx, k.consumer, idle, start, count)
		if err != nil {
			k.events.Infra("claim", "redis", "failed", err.Error())
			return claimed
		}
		if len(msgs) > 0 {
			metrics.RedisClaimedTotal.Add(float64(len(msgs)))
			k.events.Infra("claim", "redis", "success", fmt.Sprintf("count=%d", len(msgs)))
		}
		for _, m := range msgs {
			k.handleRedisMessage(ctx, m, true)
		}
		claimed += len(msgs)
		if next == "" || next == "0-0" {
			return claimed
		}
		start = next
	}
	return claimed
}

func redisIDToTime(id string) (time.Time, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok || ms == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(v), true
}

func observeRedisLag(id string) {
	if ts, ok := redisIDToTime(id); ok {
		if lag := time.Since(ts).Seconds(); lag >= 0 {
			metrics.RedisMessageLag.Observe(lag)
		}
	}
}
