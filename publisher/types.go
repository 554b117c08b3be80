// Package publisher fans local store events out to external sinks. Every
// sink has its own bounded queue and worker so a slow broker never blocks
// the store.
package publisher

import (
	"github.com/openqs/vms/db"
)

// Envelope is the msgpack wire form of a published event
type Envelope struct {
	ID        string `msgpack:"id"`
	VehicleID string `msgpack:"vehicle"`
	Type      string `msgpack:"type"`
	SessionID int64  `msgpack:"session"`
	CommandID int64  `msgpack:"command,omitempty"`
	Name      string `msgpack:"name,omitempty"`
	State     string `msgpack:"state,omitempty"`
	Message   string `msgpack:"message,omitempty"`
	Time      int64  `msgpack:"ts"` // unix ms
}

// NewEnvelope wraps e for vehicleID under the given id
func NewEnvelope(id, vehicleID string, e db.Event) Envelope {
	return Envelope{
		ID:        id,
		VehicleID: vehicleID,
		Type:      e.Type,
		SessionID: e.SessionID,
		CommandID: e.CommandID,
		Name:      e.Name,
		State:     e.State,
		Message:   e.Message,
		Time:      e.Time.UnixMilli(),
	}
}

// Sink represents a destination for events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if an event of this type should be published
	Match(eventType string) bool
}
