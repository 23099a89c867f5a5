//go:build integration

package it

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/auth"
	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingest"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/protocol"
	"github.com/example/eventstream-ingest/internal/provision"
	itutil "github.com/example/eventstream-ingest/tests/itutil"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestKernel_RedisToPostgres(t *testing.T) {
	itutil.RequireIT(t)
	ctx := context.Background()
	dsn := itutil.StartPostgres(t)
	addr := itutil.StartRedis(t)

	cfg := ingestcfg.Config{
		Server:   ingestcfg.ServerConfig{Listen: "127.0.0.1:" + strconv.Itoa(itutil.FreePort(t))},
		Postgres: ingestcfg.PostgresConfig{Enabled: true, DSN: dsn, ApplyMigrations: true},
		Redis: ingestcfg.RedisConfig{
			Enabled: true, Addr: addr, KeyPrefix: "esa:", Stream: "events",
			ConsumerGroup: "ingest", ReadCount: 50, BlockMs: 200,
		},
		Logging: ingestcfg.LoggingConfig{Level: "warn", Output: "stderr"},
		Ingest:  ingestcfg.IngestConfig{RegistryCacheTTLSeconds: 30},
	}

	// seed through the same store the daemon uses
	pg, err := data.NewPostgres(ctx, cfg.Postgres)
	require.NoError(t, err)
	defer pg.Close()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPEM, err := auth.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	_, err = provision.CreateTransport(ctx, pg, "push-svc", b64(keyPEM), true)
	require.NoError(t, err)
	require.NoError(t, pg.CreateStream(ctx, data.Stream{ID: "s1"}))
	_, err = pg.CreateUserIfAbsent(ctx, "u1")
	require.NoError(t, err)
	su, err := pg.AddStreamUser(ctx, "s1", "u1")
	require.NoError(t, err)

	itutil.StartKernel(t, cfg)

	rd, err := data.NewRedis(ingestcfg.RedisConfig{Addr: addr, KeyPrefix: "esa:", Stream: "events"})
	require.NoError(t, err)
	defer rd.Close()

	envelope := func(id string, key ed25519.PrivateKey) []byte {
		ev := protocol.Event{ID: id, Type: "message", Transport: &protocol.TransportRef{Name: "push-svc"}, User: &protocol.UserRef{ID: "u1"}, Stream: &protocol.StreamRef{ID: "s1"}}
		b, err := protocol.Encode(protocol.TransportEvent{Event: ev, Signature: ed25519.Sign(key, []byte(id))})
		require.NoError(t, err)
		return b
	}
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, m := range []struct {
		id      string
		payload []byte
	}{
		{"evt-1", envelope("evt-1", priv)},
		{"evt-1", envelope("evt-1", priv)},
		{"evt-2", envelope("evt-2", otherKey)},
		{"evt-3", []byte("not json")},
	} {
		_, err := rd.XAdd(ctx, m.id, m.payload)
		require.NoError(t, err)
	}

	itutil.WaitStreamLen(t, rd.C(), "esa:events:dlq", 3, 20*time.Second)
	n, err := pg.CountEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := pg.HasSubscription(ctx, su.ID, "push-svc")
	require.NoError(t, err)
	assert.True(t, has, "auto-subscribed on first event")

	dlq, err := rd.C().XRange(ctx, "esa:events:dlq", "-", "+").Result()
	require.NoError(t, err)
	reasons := map[string]string{}
	for _, m := range dlq {
		reasons[m.Values["id"].(string)] = m.Values["reason"].(string)
	}
	assert.Equal(t, map[string]string{
		"evt-1": string(ingest.DuplicateEvent),
		"evt-2": string(ingest.InvalidSignature),
		"evt-3": string(ingest.MalformedEnvelope),
	}, reasons)

	itutil.WaitFor(t, 10*time.Second, "all entries acknowledged", func() bool {
		p, err := rd.C().XPending(ctx, "esa:events", "ingest").Result()
		return err == nil && p.Count == 0
	})
}
