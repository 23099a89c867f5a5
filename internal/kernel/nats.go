package kernel

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
)

// natsMessage is the part of jetstream.Msg the consumer uses.
type natsMessage interface {
	Data() []byte
	Headers() nats.Header
	Ack() error
	Nak() error
}

func (k *Kernel) consumeNATS(ctx context.Context) {
	consumer, err := k.nc.EnsureStream(ctx)
	if err != nil {
		k.events.Infra("connect", "nats", "failed", err.Error())
		return
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		k.handleNATSMessage(ctx, msg)
	})
	if err != nil {
		k.events.Infra("read", "nats", "failed", err.Error())
		return
	}
	logging.Info("nats_consumer_start", logging.F("stream", k.cfg.NATS.Stream), logging.F("durable", k.cfg.NATS.Durable))
	<-ctx.Done()
	cc.Stop()
}

// handleNATSMessage acks persisted, relayed and dropped messages. Internal
// failures are spilled and acked when spill is enabled, otherwise Nak'ed for
// redelivery.
func (k *Kernel) handleNATSMessage(ctx context.Context, msg natsMessage) {
	payload := msg.Data()
	out, err := k.process(ctx, payload)
	if err != nil {
		id := msg.Headers().Get(nats.MsgIdHdr)
		if k.spillPayload(id, payload, sourceNATS) {
			metrics.NATSMessagesTotal.WithLabelValues("spilled").Inc()
			_ = msg.Ack()
			return
		}
		metrics.NATSMessagesTotal.WithLabelValues("nak").Inc()
		if nerr := msg.Nak(); nerr != nil {
			k.events.Infra("ack", "nats", "failed", nerr.Error())
		}
		return
	}
	metrics.NATSMessagesTotal.WithLabelValues(strings.ToLower(string(out.State))).Inc()
	if err := msg.Ack(); err != nil {
		k.events.Infra("ack", "nats", "failed", err.Error())
	}
}
