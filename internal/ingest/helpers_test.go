package ingest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/auth"
	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/protocol"
)

// fixture is a memory store seeded with transport "push-svc", stream "s1",
// and members u1 and u2.
type fixture struct {
	store    *data.Memory
	priv     ed25519.PrivateKey
	verifier *countingVerifier
	pipeline *Pipeline
}

type countingVerifier struct {
	inner SignatureVerifier
	calls atomic.Int64
}

func (v *countingVerifier) Verify(message, signature []byte, publicKeyPEM string) bool {
	v.calls.Add(1)
	return v.inner.Verify(message, signature, publicKeyPEM)
}

func newFixture(t *testing.T, autoSubscribe bool) *fixture {
	t.Helper()
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPEM, err := auth.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	store := data.NewMemory()
	require.NoError(t, store.CreateTransport(ctx, data.Transport{ID: "push-svc", PublicKey: keyPEM, AutoSubscribeOnEventCreate: autoSubscribe}))
	require.NoError(t, store.CreateStream(ctx, data.Stream{ID: "s1"}))
	for _, u := range []string{"u1", "u2"} {
		_, err := store.CreateUserIfAbsent(ctx, u)
		require.NoError(t, err)
		_, err = store.AddStreamUser(ctx, "s1", u)
		require.NoError(t, err)
	}

	f := &fixture{store: store, priv: priv, verifier: &countingVerifier{inner: auth.NewVerifier()}}
	f.pipeline = f.newPipeline(store, protocol.SigningModeID)
	return f
}

func (f *fixture) newPipeline(store data.Store, mode string) *Pipeline {
	return NewPipeline(store, nil, f.verifier, Config{SigningMode: mode, EphemeralTypes: []string{"typing-start"}})
}

func event(id, user, stream string) protocol.Event {
	ev := protocol.Event{ID: id, Type: "message", Transport: &protocol.TransportRef{Name: "push-svc"}}
	if user != "" {
		ev.User = &protocol.UserRef{ID: user}
	}
	if stream != "" {
		ev.Stream = &protocol.StreamRef{ID: stream}
	}
	return ev
}

// signed returns an envelope signed over the event id with the fixture key.
func (f *fixture) signed(ev protocol.Event) protocol.TransportEvent {
	return protocol.TransportEvent{Event: ev, Signature: ed25519.Sign(f.priv, []byte(ev.ID))}
}

func (f *fixture) process(t *testing.T, env protocol.TransportEvent) Outcome {
	t.Helper()
	out, err := f.pipeline.Process(context.Background(), env)
	require.NoError(t, err)
	return out
}

func (f *fixture) eventCount(t *testing.T, stream string) int {
	t.Helper()
	n, err := f.store.CountEvents(context.Background(), stream)
	require.NoError(t, err)
	return n
}

func (f *fixture) streamUser(t *testing.T, stream, user string) data.StreamUser {
	t.Helper()
	su, ok, err := f.store.FindStreamUser(context.Background(), stream, user)
	require.NoError(t, err)
	require.True(t, ok)
	return su
}

// faultyStore injects failures and can hide committed events from the
// advisory duplicate check.
type faultyStore struct {
	data.Store
	findTransportErr error
	insertErr        error
	hideEvents       bool
}

func (f *faultyStore) FindTransport(ctx context.Context, name string) (data.Transport, bool, error) {
	if f.findTransportErr != nil {
		return data.Transport{}, false, f.findTransportErr
	}
	return f.Store.FindTransport(ctx, name)
}

func (f *faultyStore) EventExists(ctx context.Context, id string) (bool, error) {
	if f.hideEvents {
		return false, nil
	}
	return f.Store.EventExists(ctx, id)
}

func (f *faultyStore) InsertEventIfAbsent(ctx context.Context, ev data.EventRecord) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	return f.Store.InsertEventIfAbsent(ctx, ev)
}

func (f *faultyStore) RunInTransaction(ctx context.Context, fn func(tx data.Store) error) error {
	return f.Store.RunInTransaction(ctx, func(tx data.Store) error {
		return fn(&faultyStore{Store: tx, findTransportErr: f.findTransportErr, insertErr: f.insertErr, hideEvents: f.hideEvents})
	})
}
