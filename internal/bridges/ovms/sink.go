package ovms

import "time"

// EventType names an entity event channel.
type EventType string

// Entity event types.
const (
	EventEntityAdded   EventType = "entity.added"
	EventEntityUpdated EventType = "entity.updated"
)

// EntityEvent is emitted to the entity layer.
//
// Added events carry the Descriptor. Payload is the raw string value, or a
// Location for the combined GPS tracker.
type EntityEvent struct {
	Type       EventType   `json:"type"`
	UniqueID   string      `json:"unique_id"`
	Topic      string      `json:"topic,omitempty"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	Payload    any         `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Location is the combined GPS tracker payload.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	GPSAccuracy float64 `json:"gps_accuracy"`
	LastUpdated float64 `json:"last_updated"`
}

// EntitySink consumes entity events. Events are delivered from the session's
// processing loop with router state locked, so implementations must return
// quickly and must not call back into the Router.
type EntitySink interface {
	HandleEntityEvent(ev EntityEvent)
}

// SinkFunc adapts a function to EntitySink.
type SinkFunc func(ev EntityEvent)

// HandleEntityEvent calls f(ev).
func (f SinkFunc) HandleEntityEvent(ev EntityEvent) { f(ev) }

// MultiSink fans every event out to each sink in order. Nil sinks are skipped.
type MultiSink []EntitySink

// HandleEntityEvent delivers ev to every sink.
func (m MultiSink) HandleEntityEvent(ev EntityEvent) {
	for _, s := range m {
		if s != nil {
			s.HandleEntityEvent(ev)
		}
	}
}

type nopSink struct{}

func (nopSink) HandleEntityEvent(EntityEvent) {}
