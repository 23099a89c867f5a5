package ingest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/metrics"
	"github.com/example/eventstream-ingest/internal/protocol"
)

func TestPipeline_PersistsValidEvent(t *testing.T) {
	f := newFixture(t, false)
	out := f.process(t, f.signed(event("evt-1", "u1", "s1")))

	assert.Equal(t, Persisted, out.State)
	assert.Equal(t, Continue, out.Reason)
	assert.Nil(t, out.Subscription)
	assert.False(t, out.UserCreated)
	assert.Equal(t, 1, f.eventCount(t, "s1"))
	assert.Empty(t, f.store.Subscriptions(f.streamUser(t, "s1", "u1").ID))
}

func TestPipeline_RedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t, false)
	env := f.signed(event("evt-1", "u1", "s1"))
	f.process(t, env)

	before := promtest.ToFloat64(metrics.DroppedTotal.WithLabelValues(string(DuplicateEvent)))
	out := f.process(t, env)
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, DuplicateEvent, out.Reason)
	assert.Equal(t, SignatureVerified, out.LastState)
	assert.Equal(t, 1, f.eventCount(t, "s1"))
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.DroppedTotal.WithLabelValues(string(DuplicateEvent))))
}

func TestPipeline_SignatureFromUnrelatedKey(t *testing.T) {
	f := newFixture(t, false)
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	env := protocol.TransportEvent{Event: event("evt-1", "u1", "s1"), Signature: ed25519.Sign(other, []byte("evt-1"))}

	out := f.process(t, env)
	assert.Equal(t, InvalidSignature, out.Reason)
	assert.Equal(t, TransportResolved, out.LastState)
	assert.Zero(t, f.eventCount(t, "s1"))
}

func TestPipeline_AutoSubscribeOnce(t *testing.T) {
	f := newFixture(t, true)
	su := f.streamUser(t, "s1", "u2")

	out := f.process(t, f.signed(event("evt-1", "u2", "s1")))
	assert.Equal(t, Persisted, out.State)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, su.ID, out.Subscription.StreamUserID)
	assert.Equal(t, "push-svc", out.Subscription.TransportID)
	assert.Len(t, f.store.Subscriptions(su.ID), 1)

	out = f.process(t, f.signed(event("evt-2", "u2", "s1")))
	assert.Equal(t, Persisted, out.State)
	assert.Nil(t, out.Subscription)
	assert.Len(t, f.store.Subscriptions(su.ID), 1)
	assert.Equal(t, 2, f.eventCount(t, "s1"))
}

func TestPipeline_UnknownStream(t *testing.T) {
	f := newFixture(t, true)
	out := f.process(t, f.signed(event("evt-1", "u1", "s-missing")))
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, UnknownStream, out.Reason)
	assert.Zero(t, f.eventCount(t, "s-missing"))

	out = f.process(t, f.signed(event("evt-2", "u1", "")))
	assert.Equal(t, UnknownStream, out.Reason)
}

func TestPipeline_UnknownTransportSkipsVerification(t *testing.T) {
	f := newFixture(t, false)
	ev := event("evt-1", "u1", "s1")
	ev.Transport.Name = "ghost"
	out := f.process(t, f.signed(ev))

	assert.Equal(t, UnknownTransport, out.Reason)
	assert.Equal(t, EnvelopeChecked, out.LastState)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestPipeline_TransportWithoutKey(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.CreateTransport(context.Background(), data.Transport{ID: "keyless"}))
	ev := event("evt-1", "u1", "s1")
	ev.Transport.Name = "keyless"

	out := f.process(t, f.signed(ev))
	assert.Equal(t, InvalidSignature, out.Reason)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestPipeline_MalformedEnvelope(t *testing.T) {
	f := newFixture(t, false)

	noTransport := event("evt-1", "u1", "s1")
	noTransport.Transport = nil
	assert.Equal(t, MalformedEnvelope, f.process(t, f.signed(noTransport)).Reason)

	noID := event("", "u1", "s1")
	assert.Equal(t, MalformedEnvelope, f.process(t, f.signed(noID)).Reason)

	out, err := f.pipeline.ProcessRaw(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	assert.Equal(t, MalformedEnvelope, out.Reason)
	assert.Equal(t, Received, out.LastState)
}

func TestPipeline_ProcessRaw(t *testing.T) {
	f := newFixture(t, false)
	b, err := protocol.Encode(f.signed(event("evt-1", "u1", "s1")))
	require.NoError(t, err)
	out, err := f.pipeline.ProcessRaw(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, Persisted, out.State)
}

func TestPipeline_MissingUser(t *testing.T) {
	f := newFixture(t, false)
	out := f.process(t, f.signed(event("evt-1", "", "s1")))
	assert.Equal(t, MissingUser, out.Reason)
	assert.Equal(t, NotDuplicate, out.LastState)
	assert.Zero(t, f.eventCount(t, "s1"))
}

func TestPipeline_UnseenUserCreatedOnce(t *testing.T) {
	f := newFixture(t, true)
	users := f.store.UserCount()

	out := f.process(t, f.signed(event("evt-1", "u9", "s1")))
	assert.True(t, out.UserCreated)
	assert.Equal(t, Unauthorized, out.Reason)
	assert.Equal(t, users+1, f.store.UserCount())

	out = f.process(t, f.signed(event("evt-2", "u9", "s1")))
	assert.False(t, out.UserCreated)
	assert.Equal(t, users+1, f.store.UserCount())
}

func TestPipeline_UnauthorizedWritesNothing(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.CreateStream(context.Background(), data.Stream{ID: "s2"}))

	out := f.process(t, f.signed(event("evt-1", "u1", "s2")))
	assert.Equal(t, Unauthorized, out.Reason)
	assert.Equal(t, StreamKnown, out.LastState)
	assert.Nil(t, out.Subscription)
	assert.Zero(t, f.eventCount(t, "s2"))
	assert.Empty(t, f.store.Subscriptions(f.streamUser(t, "s1", "u1").ID))
}

func TestPipeline_EphemeralRelayedNotPersisted(t *testing.T) {
	f := newFixture(t, true)
	ev := event("evt-typing", "u1", "s1")
	ev.Type = "typing-start"

	out := f.process(t, f.signed(ev))
	assert.Equal(t, Relayed, out.State)
	assert.NotNil(t, out.Subscription)
	assert.Zero(t, f.eventCount(t, "s1"))
}

func TestPipeline_ConcurrentDeliveryPersistsOnce(t *testing.T) {
	f := newFixture(t, false)
	env := f.signed(event("evt-1", "u1", "s1"))

	const workers = 16
	outs := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.pipeline.Process(context.Background(), env)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	persisted := 0
	for _, o := range outs {
		if o.State == Persisted {
			persisted++
		} else {
			assert.Equal(t, DuplicateEvent, o.Reason)
		}
	}
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, f.eventCount(t, "s1"))
}

func TestPipeline_InsertConflictIsDuplicateAndRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.process(t, f.signed(event("evt-1", "u1", "s1")))

	// the advisory check misses, so the insert conflict decides
	p := f.newPipeline(&faultyStore{Store: f.store, hideEvents: true}, protocol.SigningModeID)
	out, err := p.Process(context.Background(), f.signed(event("evt-1", "u2", "s1")))
	require.NoError(t, err)
	assert.Equal(t, DuplicateEvent, out.Reason)
	assert.Nil(t, out.Subscription)
	assert.Empty(t, f.store.Subscriptions(f.streamUser(t, "s1", "u2").ID), "subscription rolled back")
	assert.Equal(t, 1, f.eventCount(t, "s1"))
}

func TestPipeline_InternalErrorsPropagate(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("connection refused")
	su := f.streamUser(t, "s1", "u2")

	p := f.newPipeline(&faultyStore{Store: f.store, findTransportErr: boom}, protocol.SigningModeID)
	_, err := p.Process(context.Background(), f.signed(event("evt-1", "u2", "s1")))
	assert.ErrorIs(t, err, boom)

	before := promtest.ToFloat64(metrics.InternalErrorsTotal)
	p = f.newPipeline(&faultyStore{Store: f.store, insertErr: boom}, protocol.SigningModeID)
	out, err := p.Process(context.Background(), f.signed(event("evt-2", "u2", "s1")))
	assert.ErrorIs(t, err, boom)
	assert.NotEqual(t, Dropped, out.State)
	assert.Nil(t, out.Subscription)
	assert.Empty(t, f.store.Subscriptions(su.ID))
	assert.Zero(t, f.eventCount(t, "s1"))
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.InternalErrorsTotal))

	// the same envelope succeeds once the store recovers
	out, err = f.pipeline.Process(context.Background(), f.signed(event("evt-2", "u2", "s1")))
	require.NoError(t, err)
	assert.Equal(t, Persisted, out.State)
	assert.NotNil(t, out.Subscription)
}

func TestPipeline_CanonicalSigningCoversWholeEvent(t *testing.T) {
	f := newFixture(t, false)
	p := f.newPipeline(f.store, protocol.SigningModeCanonical)

	ev := event("evt-1", "u1", "s1")
	ev.Payload = json.RawMessage(`{"text":"hi"}`)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	msg, err := protocol.SigningBytes(ev, raw, protocol.SigningModeCanonical)
	require.NoError(t, err)
	wire, err := json.Marshal(map[string]any{"event": json.RawMessage(raw), "signature": ed25519.Sign(f.priv, msg)})
	require.NoError(t, err)

	// an intermediary rewrites the user while keeping the signature
	tampered, err := json.Marshal(map[string]any{
		"event":     json.RawMessage(`{"id":"evt-1","type":"message","transport":{"name":"push-svc"},"user":{"id":"u2"},"stream":{"id":"s1"},"payload":{"text":"hi"}}`),
		"signature": ed25519.Sign(f.priv, msg),
	})
	require.NoError(t, err)
	out, err := p.ProcessRaw(context.Background(), tampered)
	require.NoError(t, err)
	assert.Equal(t, InvalidSignature, out.Reason)

	out, err = p.ProcessRaw(context.Background(), wire)
	require.NoError(t, err)
	assert.Equal(t, Persisted, out.State)

	// id-only signatures do not verify in canonical mode
	out, err = p.Process(context.Background(), f.signed(event("evt-3", "u1", "s1")))
	require.NoError(t, err)
	assert.Equal(t, InvalidSignature, out.Reason)
}

func TestNewPipeline_PublishesEveryDropReason(t *testing.T) {
	newFixture(t, false)
	assert.Equal(t, len(AllDropReasons), promtest.CollectAndCount(metrics.DroppedTotal))
}
