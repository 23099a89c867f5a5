package data

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrExists is returned when a create collides with a uniqueness constraint.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when a write references a missing parent row.
	ErrNotFound = errors.New("not found")
)

// Store is the persistence surface used by the ingestion pipeline and the
// admin tooling. Lookups return found=false instead of an error when the row
// is absent. The ...IfAbsent writes never fail on a uniqueness conflict; they
// report created=false instead.
type Store interface {
	FindTransport(ctx context.Context, name string) (Transport, bool, error)
	CreateTransport(ctx context.Context, t Transport) error
	ListTransports(ctx context.Context) ([]Transport, error)

	FindUser(ctx context.Context, id string) (User, bool, error)
	CreateUserIfAbsent(ctx context.Context, id string) (created bool, err error)

	FindStream(ctx context.Context, id string) (Stream, bool, error)
	CreateStream(ctx context.Context, s Stream) error

	FindStreamUser(ctx context.Context, streamID, userID string) (StreamUser, bool, error)
	AddStreamUser(ctx context.Context, streamID, userID string) (StreamUser, error)

	HasSubscription(ctx context.Context, streamUserID, transportID string) (bool, error)
	CreateSubscriptionIfAbsent(ctx context.Context, sub Subscription) (created bool, err error)

	EventExists(ctx context.Context, id string) (bool, error)
	InsertEventIfAbsent(ctx context.Context, ev EventRecord) (created bool, err error)
	CountEvents(ctx context.Context, streamID string) (int, error)

	// RunInTransaction calls fn with a Store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

// NewSubscriptionID returns a time-ordered subscription identifier.
func NewSubscriptionID() string {
	return ulid.Make().String()
}

func newStreamUserID() string {
	return uuid.NewString()
}
