package data

import (
	"encoding/json"
	"time"
)

// Transport is an external relay allowed to originate signed events.
// PublicKey is PEM; empty means the transport cannot sign anything.
type Transport struct {
	ID                         string    `json:"id"`
	PublicKey                  string    `json:"public_key,omitempty"`
	AutoSubscribeOnEventCreate bool      `json:"auto_subscribe_on_event_create"`
	CreatedAt                  time.Time `json:"created_at"`
}

func (t Transport) HasPublicKey() bool { return t.PublicKey != "" }

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type Stream struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamUser is the membership of a user in a stream. It owns the user's
// subscriptions within that stream.
type StreamUser struct {
	ID              string    `json:"id"`
	StreamID        string    `json:"stream_id"`
	UserID          string    `json:"user_id"`
	LastSeenEventID string    `json:"last_seen_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Subscription struct {
	ID           string    `json:"id"`
	StreamUserID string    `json:"stream_user_id"`
	TransportID  string    `json:"transport_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventRecord is a persisted event.
type EventRecord struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Datetime    time.Time       `json:"datetime"`
	TransportID string          `json:"transport_id"`
	UserID      string          `json:"user_id"`
	StreamID    string          `json:"stream_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
