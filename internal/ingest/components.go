package ingest

import (
	"context"
	"fmt"

	"github.com/example/eventstream-ingest/internal/data"
)

// SignatureVerifier is satisfied by *auth.Verifier.
type SignatureVerifier interface {
	Verify(message, signature []byte, publicKeyPEM string) bool
}

type EventStore interface {
	EventExists(ctx context.Context, id string) (bool, error)
}

// EventIdempotencyGuard is the advisory replay check. The event table's
// primary key is the authoritative one; see Pipeline.persist.
type EventIdempotencyGuard struct {
	store EventStore
}

func NewEventIdempotencyGuard(store EventStore) *EventIdempotencyGuard {
	return &EventIdempotencyGuard{store: store}
}

func (g *EventIdempotencyGuard) Exists(ctx context.Context, eventID string) (bool, error) {
	return g.store.EventExists(ctx, eventID)
}

type UserStore interface {
	FindUser(ctx context.Context, id string) (data.User, bool, error)
	CreateUserIfAbsent(ctx context.Context, id string) (bool, error)
}

// UserResolver looks a user up and creates it when a transport reports
// activity for an identity not seen before.
type UserResolver struct {
	store UserStore
}

func NewUserResolver(store UserStore) *UserResolver {
	return &UserResolver{store: store}
}

// ResolveOrCreate returns the user and whether this call created it. A
// concurrent creation of the same id is not an error: the insert is a no-op
// and the row written by the other worker is returned.
func (r *UserResolver) ResolveOrCreate(ctx context.Context, userID string) (data.User, bool, error) {
	u, found, err := r.store.FindUser(ctx, userID)
	if err != nil {
		return data.User{}, false, err
	}
	if found {
		return u, false, nil
	}
	created, err := r.store.CreateUserIfAbsent(ctx, userID)
	if err != nil {
		return data.User{}, false, err
	}
	u, found, err = r.store.FindUser(ctx, userID)
	if err != nil {
		return data.User{}, false, err
	}
	if !found {
		return data.User{}, false, fmt.Errorf("user %q not visible after create", userID)
	}
	return u, created, nil
}

type MembershipStore interface {
	FindStreamUser(ctx context.Context, streamID, userID string) (data.StreamUser, bool, error)
}

type StreamMembershipAuthorizer struct {
	store MembershipStore
}

func NewStreamMembershipAuthorizer(store MembershipStore) *StreamMembershipAuthorizer {
	return &StreamMembershipAuthorizer{store: store}
}

// Membership returns the StreamUser joining user to stream, if any.
func (a *StreamMembershipAuthorizer) Membership(ctx context.Context, streamID, userID string) (data.StreamUser, bool, error) {
	return a.store.FindStreamUser(ctx, streamID, userID)
}

func (a *StreamMembershipAuthorizer) IsMember(ctx context.Context, streamID, userID string) (bool, error) {
	_, ok, err := a.Membership(ctx, streamID, userID)
	return ok, err
}

type SubscriptionStore interface {
	HasSubscription(ctx context.Context, streamUserID, transportID string) (bool, error)
	CreateSubscriptionIfAbsent(ctx context.Context, sub data.Subscription) (bool, error)
}

// AutoSubscriptionManager subscribes a member to the transport that reported
// their event when the transport asks for it.
type AutoSubscriptionManager struct {
	store SubscriptionStore
	newID func() string
}

func NewAutoSubscriptionManager(store SubscriptionStore) *AutoSubscriptionManager {
	return &AutoSubscriptionManager{store: store, newID: data.NewSubscriptionID}
}

// MaybeSubscribe returns the new subscription, or nil when the transport does
// not auto-subscribe or the pair is already subscribed.
func (m *AutoSubscriptionManager) MaybeSubscribe(ctx context.Context, t data.Transport, su data.StreamUser) (*data.Subscription, error) {
	if !t.AutoSubscribeOnEventCreate {
		return nil, nil
	}
	has, err := m.store.HasSubscription(ctx, su.ID, t.ID)
	if err != nil || has {
		return nil, err
	}
	sub := data.Subscription{ID: m.newID(), StreamUserID: su.ID, TransportID: t.ID}
	created, err := m.store.CreateSubscriptionIfAbsent(ctx, sub)
	if err != nil || !created {
		return nil, err
	}
	return &sub, nil
}
