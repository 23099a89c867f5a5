package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
	"github.com/example/eventstream-ingest/internal/protocol"
)

type Config struct {
	// SigningMode is protocol.SigningModeID or protocol.SigningModeCanonical.
	SigningMode    string
	EphemeralTypes []string
}

// Pipeline validates a TransportEvent and commits its side effects. Any
// error it returns is an internal failure the queue consumer should retry;
// every other result is an Outcome.
type Pipeline struct {
	store    data.Store
	registry *TransportRegistry
	verifier SignatureVerifier
	guard    *EventIdempotencyGuard
	cfg      Config
	events   *logging.EventLogger
	now      func() time.Time
}

func NewPipeline(store data.Store, registry *TransportRegistry, verifier SignatureVerifier, cfg Config) *Pipeline {
	if registry == nil {
		registry = NewTransportRegistry(store, nil, 0)
	}
	// export every reason from the first scrape, not the first drop
	for _, r := range AllDropReasons {
		metrics.DroppedTotal.WithLabelValues(string(r))
	}
	return &Pipeline{
		store:    store,
		registry: registry,
		verifier: verifier,
		guard:    NewEventIdempotencyGuard(store),
		cfg:      cfg,
		events:   logging.NewEventLogger(),
		now:      time.Now,
	}
}

// run carries what earlier steps resolved to the later ones.
type run struct {
	env       protocol.TransportEvent
	out       *Outcome
	transport data.Transport
	user      data.User
	member    data.StreamUser
	relayed   bool
}

// step advances the envelope to state unless fn returns a drop reason.
type step struct {
	state State
	fn    func(ctx context.Context, r *run) (DropReason, error)
}

// errDuplicateOnInsert unwinds the transaction when the event id was
// committed by another worker after the advisory check.
var errDuplicateOnInsert = errors.New("event inserted concurrently")

// ProcessRaw decodes a queue payload and processes it. Undecodable payloads
// are dropped as MalformedEnvelope.
func (p *Pipeline) ProcessRaw(ctx context.Context, payload []byte) (Outcome, error) {
	env, err := protocol.Decode(payload)
	if err != nil {
		metrics.EnvelopesTotal.Inc()
		out := Outcome{State: Dropped, Reason: MalformedEnvelope, LastState: Received}
		p.record(out)
		return out, nil
	}
	return p.Process(ctx, env)
}

func (p *Pipeline) Process(ctx context.Context, env protocol.TransportEvent) (Outcome, error) {
	t0 := time.Now()
	metrics.EnvelopesTotal.Inc()
	defer func() { metrics.PipelineDuration.Observe(time.Since(t0).Seconds()) }()

	out := Outcome{
		State:     Received,
		EventID:   env.Event.ID,
		Transport: env.Event.TransportName(),
		Stream:    env.Event.StreamID(),
	}
	r := &run{env: env, out: &out}

	reason, err := p.runSteps(ctx, r, p.checkSteps())
	if err == nil && reason == Continue {
		reason, err = p.commit(ctx, r)
	}
	if err != nil {
		metrics.InternalErrorsTotal.Inc()
		logging.Error("ingest_internal_error",
			logging.F("event_id", out.EventID),
			logging.F("transport", out.Transport),
			logging.F("state", string(out.State)),
			logging.Err(err))
		return out, err
	}
	if reason == Continue && r.relayed {
		out.State = Relayed
	}
	if reason != Continue {
		out.LastState = out.State
		out.State = Dropped
		out.Reason = reason
	}
	p.record(out)
	return out, nil
}

func (p *Pipeline) runSteps(ctx context.Context, r *run, steps []step) (DropReason, error) {
	for _, s := range steps {
		reason, err := s.fn(ctx, r)
		if err != nil || reason != Continue {
			return reason, err
		}
		r.out.State = s.state
	}
	return Continue, nil
}

// checkSteps are the read-only checks that run before the transaction.
func (p *Pipeline) checkSteps() []step {
	return []step{
		{EnvelopeChecked, p.checkEnvelope},
		{TransportResolved, p.resolveTransport},
		{SignatureVerified, p.verifySignature},
		{NotDuplicate, p.checkDuplicate},
		{NotDuplicate, p.requireUser},
	}
}

// commitSteps bind the write-side components to one transaction.
func (p *Pipeline) commitSteps(tx data.Store) []step {
	users := NewUserResolver(tx)
	authz := NewStreamMembershipAuthorizer(tx)
	subs := NewAutoSubscriptionManager(tx)
	return []step{
		{UserKnown, func(ctx context.Context, r *run) (DropReason, error) {
			u, created, err := users.ResolveOrCreate(ctx, r.env.Event.UserID())
			if err != nil {
				return Continue, fmt.Errorf("resolve user: %w", err)
			}
			r.user, r.out.UserCreated = u, created
			return Continue, nil
		}},
		{StreamKnown, func(ctx context.Context, r *run) (DropReason, error) {
			streamID := r.env.Event.StreamID()
			if streamID == "" {
				return UnknownStream, nil
			}
			_, found, err := tx.FindStream(ctx, streamID)
			if err != nil {
				return Continue, fmt.Errorf("find stream: %w", err)
			}
			if !found {
				return UnknownStream, nil
			}
			return Continue, nil
		}},
		{Authorized, func(ctx context.Context, r *run) (DropReason, error) {
			su, ok, err := authz.Membership(ctx, r.env.Event.StreamID(), r.user.ID)
			if err != nil {
				return Continue, fmt.Errorf("membership: %w", err)
			}
			if !ok {
				return Unauthorized, nil
			}
			r.member = su
			sub, err := subs.MaybeSubscribe(ctx, r.transport, su)
			if err != nil {
				return Continue, fmt.Errorf("auto-subscribe: %w", err)
			}
			r.out.Subscription = sub
			return Continue, nil
		}},
		{Persisted, func(ctx context.Context, r *run) (DropReason, error) {
			return p.persist(ctx, tx, r)
		}},
	}
}

func (p *Pipeline) checkEnvelope(ctx context.Context, r *run) (DropReason, error) {
	if r.env.Event.TransportName() == "" || r.env.Event.ID == "" {
		return MalformedEnvelope, nil
	}
	return Continue, nil
}

func (p *Pipeline) resolveTransport(ctx context.Context, r *run) (DropReason, error) {
	t, found, err := p.registry.Lookup(ctx, r.env.Event.TransportName())
	if err != nil {
		return Continue, fmt.Errorf("lookup transport: %w", err)
	}
	if !found {
		return UnknownTransport, nil
	}
	r.transport = t
	return Continue, nil
}

func (p *Pipeline) verifySignature(ctx context.Context, r *run) (DropReason, error) {
	if !r.transport.HasPublicKey() {
		return InvalidSignature, nil
	}
	msg, err := r.env.SigningBytes(p.cfg.SigningMode)
	if err != nil {
		return InvalidSignature, nil
	}
	if !p.verifier.Verify(msg, r.env.Signature, r.transport.PublicKey) {
		return InvalidSignature, nil
	}
	return Continue, nil
}

func (p *Pipeline) checkDuplicate(ctx context.Context, r *run) (DropReason, error) {
	exists, err := p.guard.Exists(ctx, r.env.Event.ID)
	if err != nil {
		return Continue, fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		return DuplicateEvent, nil
	}
	return Continue, nil
}

func (p *Pipeline) requireUser(ctx context.Context, r *run) (DropReason, error) {
	if r.env.Event.UserID() == "" {
		return MissingUser, nil
	}
	return Continue, nil
}

// commit runs the write steps in one transaction. Drops for an unknown
// stream or a non-member still commit the user row: the transport is
// verified, so the identity is kept and a redelivery skips straight past it.
func (p *Pipeline) commit(ctx context.Context, r *run) (DropReason, error) {
	var reason DropReason
	err := p.store.RunInTransaction(ctx, func(tx data.Store) error {
		var err error
		reason, err = p.runSteps(ctx, r, p.commitSteps(tx))
		return err
	})
	if errors.Is(err, errDuplicateOnInsert) {
		r.out.UserCreated = false
		r.out.Subscription = nil
		return DuplicateEvent, nil
	}
	if err != nil {
		r.out.UserCreated = false
		r.out.Subscription = nil
		return Continue, err
	}
	return reason, nil
}

func (p *Pipeline) persist(ctx context.Context, tx data.Store, r *run) (DropReason, error) {
	ev := r.env.Event
	if ev.IsEphemeral(p.cfg.EphemeralTypes) {
		r.relayed = true
		return Continue, nil
	}
	when := p.now().UTC()
	if ev.Timestamp != nil {
		when = ev.Timestamp.UTC()
	}
	created, err := tx.InsertEventIfAbsent(ctx, data.EventRecord{
		ID:          ev.ID,
		Type:        ev.Type,
		Datetime:    when,
		TransportID: r.transport.ID,
		UserID:      r.user.ID,
		StreamID:    ev.StreamID(),
		Payload:     ev.Payload,
	})
	if err != nil {
		return Continue, fmt.Errorf("insert event: %w", err)
	}
	if !created {
		return Continue, errDuplicateOnInsert
	}
	return Continue, nil
}

// record publishes the outcome to metrics and the event log.
func (p *Pipeline) record(out Outcome) {
	switch out.State {
	case Persisted:
		metrics.PersistedTotal.Inc()
	case Relayed:
		metrics.EphemeralTotal.Inc()
	case Dropped:
		metrics.DroppedTotal.WithLabelValues(string(out.Reason)).Inc()
	}
	if out.UserCreated {
		metrics.UsersCreatedTotal.Inc()
	}
	if out.Subscription != nil {
		metrics.SubscriptionsCreated.Inc()
	}
	p.events.Ingest(out.label(), string(out.Reason), out.EventID, out.Transport, out.Stream)
}
