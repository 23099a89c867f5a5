package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnvelopesTotal       = prom.NewCounter(prom.CounterOpts{Name: "ingest_envelopes_total", Help: "Envelopes handed to the pipeline"})
	PersistedTotal       = prom.NewCounter(prom.CounterOpts{Name: "ingest_persisted_total", Help: "Events persisted"})
	DroppedTotal         = prom.NewCounterVec(prom.CounterOpts{Name: "ingest_dropped_total", Help: "Envelopes dropped by reason"}, []string{"reason"})
	InternalErrorsTotal  = prom.NewCounter(prom.CounterOpts{Name: "ingest_internal_errors_total", Help: "Pipeline runs that failed with an internal error"})
	EphemeralTotal       = prom.NewCounter(prom.CounterOpts{Name: "ingest_ephemeral_total", Help: "Accepted ephemeral events (not persisted)"})
	UsersCreatedTotal    = prom.NewCounter(prom.CounterOpts{Name: "ingest_users_created_total", Help: "Users created from transport events"})
	SubscriptionsCreated = prom.NewCounter(prom.CounterOpts{Name: "ingest_subscriptions_created_total", Help: "Auto-subscriptions created"})
	PipelineDuration     = prom.NewHistogram(prom.HistogramOpts{Name: "ingest_pipeline_duration_seconds", Help: "Pipeline run duration", Buckets: prom.DefBuckets})
	RetriesTotal         = prom.NewCounter(prom.CounterOpts{Name: "ingest_retries_total", Help: "Pipeline retries after internal errors"})
	BreakerOpen          = prom.NewGauge(prom.GaugeOpts{Name: "ingest_breaker_open", Help: "1 while the store circuit breaker is open"})
	RegistryCacheTotal   = prom.NewCounterVec(prom.CounterOpts{Name: "ingest_registry_cache_total", Help: "Transport registry cache lookups"}, []string{"result"})

	RedisReadTotal    = prom.NewCounter(prom.CounterOpts{Name: "ingest_redis_read_total", Help: "Messages read from the Redis stream"})
	RedisAckTotal     = prom.NewCounter(prom.CounterOpts{Name: "ingest_redis_ack_total", Help: "Messages acknowledged"})
	RedisDLQTotal     = prom.NewCounter(prom.CounterOpts{Name: "ingest_redis_dlq_total", Help: "Messages copied to the DLQ stream"})
	RedisClaimedTotal = prom.NewCounter(prom.CounterOpts{Name: "ingest_redis_claimed_total", Help: "Stale pending messages reclaimed"})
	RedisMessageLag   = prom.NewHistogram(prom.HistogramOpts{Name: "ingest_redis_message_lag_seconds", Help: "Age of stream entries when read", Buckets: prom.ExponentialBuckets(0.005, 2, 14)})

	NATSMessagesTotal = prom.NewCounterVec(prom.CounterOpts{Name: "ingest_nats_messages_total", Help: "JetStream messages by result"}, []string{"result"})

	SpillWriteTotal  = prom.NewCounter(prom.CounterOpts{Name: "ingest_spill_write_total", Help: "Envelopes written to spill"})
	SpillBytesTotal  = prom.NewCounter(prom.CounterOpts{Name: "ingest_spill_bytes_total", Help: "Bytes written to spill"})
	SpillReplayTotal = prom.NewCounter(prom.CounterOpts{Name: "ingest_spill_replay_total", Help: "Spilled envelopes replayed"})
	SpillFilesGauge  = prom.NewGauge(prom.GaugeOpts{Name: "ingest_spill_files", Help: "Spill files awaiting replay"})
)

func init() {
	prom.MustRegister(
		EnvelopesTotal, PersistedTotal, DroppedTotal, InternalErrorsTotal, EphemeralTotal,
		UsersCreatedTotal, SubscriptionsCreated, PipelineDuration, RetriesTotal, BreakerOpen, RegistryCacheTotal,
		RedisReadTotal, RedisAckTotal, RedisDLQTotal, RedisClaimedTotal, RedisMessageLag,
		NATSMessagesTotal,
		SpillWriteTotal, SpillBytesTotal, SpillReplayTotal, SpillFilesGauge,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
