// Package protocol defines the transport event envelope consumed from the
// queue and the bytes a transport signs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gowebpki/jcs"
)

const (
	SigningModeID        = "id"
	SigningModeCanonical = "canonical"
)

type TransportRef struct {
	Name string `json:"name"`
}

type UserRef struct {
	ID string `json:"id"`
}

type StreamRef struct {
	ID string `json:"id"`
}

// Event is the activity record a transport reports. References are optional
// on the wire; the pipeline decides what a missing reference means.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Transport *TransportRef   `json:"transport,omitempty"`
	User      *UserRef        `json:"user,omitempty"`
	Stream    *StreamRef      `json:"stream,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e Event) TransportName() string {
	if e.Transport == nil {
		return ""
	}
	return e.Transport.Name
}

func (e Event) UserID() string {
	if e.User == nil {
		return ""
	}
	return e.User.ID
}

func (e Event) StreamID() string {
	if e.Stream == nil {
		return ""
	}
	return e.Stream.ID
}

// IsEphemeral reports whether the event type belongs to the set of types that
// are relayed but never written to durable history.
func (e Event) IsEphemeral(ephemeralTypes []string) bool {
	return slices.Contains(ephemeralTypes, e.Type)
}

// TransportEvent pairs an Event with the signature produced by its transport.
type TransportEvent struct {
	Event     Event  `json:"event"`
	Signature []byte `json:"signature"`

	// event object exactly as received, used for canonical signing
	rawEvent json.RawMessage
}

var ErrMissingEvent = errors.New("envelope has no event")

// Decode parses a queue payload. The signature is base64 in JSON.
func Decode(b []byte) (TransportEvent, error) {
	var wire struct {
		Event     json.RawMessage `json:"event"`
		Signature []byte          `json:"signature"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return TransportEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(wire.Event) == 0 || string(wire.Event) == "null" {
		return TransportEvent{}, ErrMissingEvent
	}
	var ev Event
	if err := json.Unmarshal(wire.Event, &ev); err != nil {
		return TransportEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return TransportEvent{Event: ev, Signature: wire.Signature, rawEvent: wire.Event}, nil
}

func Encode(te TransportEvent) ([]byte, error) {
	return json.Marshal(te)
}

// SigningBytes returns the message a transport signs for this event.
// In "id" mode only the event identifier is covered; other fields can be
// altered by an intermediary without invalidating the signature.
func SigningBytes(ev Event, raw json.RawMessage, mode string) ([]byte, error) {
	switch mode {
	case SigningModeID, "":
		return []byte(ev.ID), nil
	case SigningModeCanonical:
		if len(raw) == 0 {
			b, err := json.Marshal(ev)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		return jcs.Transform(raw)
	default:
		return nil, fmt.Errorf("unsupported signing mode %q", mode)
	}
}

// SigningBytes derives the signed message from the event as received.
func (te TransportEvent) SigningBytes(mode string) ([]byte, error) {
	return SigningBytes(te.Event, te.rawEvent, mode)
}
