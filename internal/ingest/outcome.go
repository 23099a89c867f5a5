// Package ingest turns signed transport events into persisted events. Each
// component is a small type over a narrow store interface; Pipeline runs them
// in a fixed order and records a tagged outcome for every envelope.
package ingest

import "github.com/example/eventstream-ingest/internal/data"

// DropReason names why an envelope was discarded. Drops are expected input
// variance, not errors.
type DropReason string

const (
	Continue DropReason = ""

	MalformedEnvelope DropReason = "MalformedEnvelope"
	UnknownTransport  DropReason = "UnknownTransport"
	InvalidSignature  DropReason = "InvalidSignature"
	DuplicateEvent    DropReason = "DuplicateEvent"
	MissingUser       DropReason = "MissingUser"
	UnknownStream     DropReason = "UnknownStream"
	Unauthorized      DropReason = "Unauthorized"
)

// AllDropReasons lists every reason in pipeline order. NewPipeline uses it
// to publish a zero series per reason.
var AllDropReasons = []DropReason{
	MalformedEnvelope, UnknownTransport, InvalidSignature, DuplicateEvent,
	MissingUser, UnknownStream, Unauthorized,
}

// State is the furthest point an envelope reached.
type State string

const (
	Received          State = "Received"
	EnvelopeChecked   State = "EnvelopeChecked"
	TransportResolved State = "TransportResolved"
	SignatureVerified State = "SignatureVerified"
	NotDuplicate      State = "NotDuplicate"
	UserKnown         State = "UserKnown"
	StreamKnown       State = "StreamKnown"
	Authorized        State = "Authorized"
	Persisted         State = "Persisted"
	// Relayed is terminal for ephemeral event types that pass every check
	// but are never written to history.
	Relayed State = "Relayed"
	Dropped State = "Dropped"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	State     State
	Reason    DropReason
	EventID   string
	Transport string
	Stream    string

	// LastState is the last state reached before a drop.
	LastState    State
	UserCreated  bool
	Subscription *data.Subscription
}

func (o Outcome) Dropped() bool { return o.State == Dropped }

func (o Outcome) label() string {
	switch o.State {
	case Persisted:
		return "persisted"
	case Relayed:
		return "relayed"
	default:
		return "dropped"
	}
}
