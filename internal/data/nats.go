package data

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

// NATS is the JetStream alternative to the Redis stream queue. Envelopes are
// published on one subject and consumed by a durable pull consumer with
// explicit acks.
type NATS struct {
	cfg  ingestcfg.NATSConfig
	conn *nats.Conn
	js   jetstream.JetStream
}

func NewNATS(cfg ingestcfg.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("ingestd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &NATS{cfg: cfg, conn: conn, js: js}, nil
}

// EnsureStream creates or updates the stream and the durable consumer.
func (n *NATS) EnsureStream(ctx context.Context) (jetstream.Consumer, error) {
	stream, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.cfg.Stream,
		Subjects:  []string{n.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", n.cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          n.cfg.Durable,
		Durable:       n.cfg.Durable,
		FilterSubject: n.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Duration(n.cfg.AckWaitMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update consumer %s: %w", n.cfg.Durable, err)
	}
	return consumer, nil
}

// Publish sends an envelope and waits for the stream ack. The envelope id is
// used as the JetStream message id so duplicate publishes are discarded
// within the stream's dedupe window.
func (n *NATS) Publish(ctx context.Context, id string, payload []byte) error {
	opts := []jetstream.PublishOpt{}
	if id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := n.js.Publish(ctx, n.cfg.Subject, payload, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", n.cfg.Subject, err)
	}
	return nil
}

func (n *NATS) Close() {
	n.conn.Close()
}
