package api

import (
	"time"

	"signal-gateway/pkg/types"
)

// Event is the envelope for every message pushed over the order stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Stream event types. A client receives exactly one snapshot on connect,
// then state changes as they happen.
const (
	eventSnapshot     = "snapshot"
	eventOrderCreated = "order_created"
	eventOrderUpdated = "order_updated"
)

func newOrderEvent(kind string, o types.Order) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC(), Data: o}
}

func newSnapshotEvent(s Snapshot) Event {
	return Event{Type: eventSnapshot, Timestamp: time.Now().UTC(), Data: s}
}
