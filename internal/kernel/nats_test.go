package kernel

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

func TestConsumeNATS_PersistsPublishedEnvelope(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, JetStream: true, StoreDir: t.TempDir()})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second))

	natsCfg := ingestcfg.NATSConfig{URL: srv.ClientURL(), Stream: "TRANSPORT_EVENTS", Subject: "transport.events", Durable: "ingest", AckWaitMs: 1000}
	h := newHarness(t, func(c *ingestcfg.Config) { c.NATS = natsCfg })
	nc, err := data.NewNATS(natsCfg)
	require.NoError(t, err)
	defer nc.Close()
	h.k.nc = nc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.k.consumeNATS(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	payload := h.envelope(t, "evt-1", "u1")
	// the consumer creates the stream; publishing before that would fail
	require.Eventually(t, func() bool {
		return nc.Publish(ctx, "evt-1", payload) == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := h.mem.CountEvents(context.Background(), "s1")
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)
}
