package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/example/eventstream-ingest/internal/auth"
	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/protocol"
)

// publisher enqueues one encoded envelope.
type publisher interface {
	Publish(ctx context.Context, id string, payload []byte) error
	Close()
}

type redisPublisher struct{ r *data.Redis }

func (p redisPublisher) Publish(ctx context.Context, id string, payload []byte) error {
	_, err := p.r.XAdd(ctx, id, payload)
	return err
}

func (p redisPublisher) Close() { _ = p.r.Close() }

// Overridden in tests.
var openPublisher = func(cfg *ingestcfg.Config, queue string) (publisher, error) {
	switch queue {
	case "redis":
		if cfg.Redis.Stream == "" {
			return nil, fmt.Errorf("redis.stream is not set")
		}
		r, err := data.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redisPublisher{r: r}, nil
	case "nats":
		return data.NewNATS(cfg.NATS)
	default:
		return nil, fmt.Errorf("unknown queue %q (must be redis or nats)", queue)
	}
}

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Sign a transport event and put it on the queue",
	Long: `Act as a transport: build an event, sign it with the transport's private
key using the configured signing mode, and enqueue the envelope.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()
		transportName, _ := flags.GetString("transport")
		keyFile, _ := flags.GetString("key")
		userID, _ := flags.GetString("user")
		streamID, _ := flags.GetString("stream")
		eventType, _ := flags.GetString("type")
		payload, _ := flags.GetString("payload")
		eventID, _ := flags.GetString("id")
		queue, _ := flags.GetString("queue")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		signer, err := auth.ParsePrivateKey(keyPEM)
		if err != nil {
			return err
		}

		ev, err := buildEvent(eventID, eventType, transportName, userID, streamID, payload)
		if err != nil {
			return err
		}
		msg, err := protocol.SigningBytes(ev, nil, cfg.Ingest.SigningMode)
		if err != nil {
			return err
		}
		sig, err := auth.Sign(signer, msg)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		b, err := protocol.Encode(protocol.TransportEvent{Event: ev, Signature: sig})
		if err != nil {
			return err
		}

		pub, err := openPublisher(cfg, queue)
		if err != nil {
			return fmt.Errorf("open %s: %w", queue, err)
		}
		defer pub.Close()
		if err := pub.Publish(ctx, ev.ID, b); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ev.ID)
		return nil
	},
}

func buildEvent(id, eventType, transportName, userID, streamID, payload string) (protocol.Event, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	if payload != "" && !json.Valid([]byte(payload)) {
		return protocol.Event{}, fmt.Errorf("--payload is not valid JSON")
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := protocol.Event{
		ID:        id,
		Type:      eventType,
		Timestamp: &now,
		Transport: &protocol.TransportRef{Name: transportName},
	}
	if userID != "" {
		ev.User = &protocol.UserRef{ID: userID}
	}
	if streamID != "" {
		ev.Stream = &protocol.StreamRef{ID: streamID}
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev, nil
}

func init() {
	f := emitCmd.Flags()
	f.String("transport", "", "transport name")
	f.String("key", "", "path to the transport's PEM or OpenSSH private key")
	f.String("user", "", "user id")
	f.String("stream", "", "stream id")
	f.String("type", "message", "event type")
	f.String("payload", "", "event payload as JSON")
	f.String("id", "", "event id (default: a new ULID)")
	f.String("queue", "redis", "queue to publish on: redis or nats")
	_ = emitCmd.MarkFlagRequired("transport")
	_ = emitCmd.MarkFlagRequired("key")
}
