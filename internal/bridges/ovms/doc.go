// Package ovms bridges an Open Vehicle Monitoring System module to the
// rest of the service over MQTT.
//
// The module publishes its metrics as retained MQTT topics under a
// per-vehicle prefix and accepts commands on a request/response topic pair.
// This package infers entities from those topics, keeps the connection
// alive, and correlates command responses.
//
// # Architecture
//
//	┌──────────────┐   MQTT   ┌──────────────────────────────┐   EntitySink
//	│ OVMS module  │◄────────►│ Session ─► Router ─► Registry │──────────► API / InfluxDB
//	└──────────────┘          │   ▲          │                │
//	                          │   └ Correlator ◄──────────────┘
//	                          └──────────────────────────────┘
//
// # Topic Layout
//
// The subscription prefix is resolved from a template such as
// "{prefix}/{mqtt_username}/{vehicle_id}":
//
//	s := ovms.NewStructure("{prefix}/{mqtt_username}/{vehicle_id}", "ovms", "KIA", "ovms-mqtt-KIA")
//	s.Prefix                 // "ovms/ovms-mqtt-KIA/KIA"
//	s.CommandTopic("ab12cd34") // "ovms/ovms-mqtt-KIA/KIA/client/rr/command/ab12cd34"
//
// A malformed template falls back to "{prefix}/{vehicle_id}".
//
// # Key Responsibilities
//
//   - Connect, subscribe and publish a retained online/offline status
//   - Reconnect with capped exponential backoff, giving up after 10 attempts
//   - Classify topics into sensor, binary sensor, switch and tracker entities
//   - Correlate command responses by command id, with timeout and sweep
//   - Limit outbound command rate with a sliding window
//   - Probe an unknown broker to discover vehicle ids and topic layout
//
// # Thread Safety
//
// Session, Correlator, RateLimiter, Registry and Prober are safe for
// concurrent use. Router expects a single writer; Session provides it.
package ovms
