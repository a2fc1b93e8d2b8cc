// Package api serves the bridge over HTTP.
//
// Endpoints under /api/v1:
//
//	GET  /health              session, database and telemetry status
//	GET  /system              runtime statistics
//	GET  /entities            every entity with its last value
//	GET  /entities/{id}       one entity
//	GET  /devices             registered vehicle modules
//	POST /commands            send a command and wait for the reply
//	GET  /commands/history    recorded commands, newest first
//	POST /discovery           probe the broker for vehicle topics
//	POST /discovery/test      check that the configured topics carry traffic
//	POST /platforms-loaded    release queued entities
//	POST /auth/ws-ticket      single-use ticket for the event stream
//	GET  /ws                  websocket event stream
//
// Prometheus metrics are served on /metrics outside the versioned tree.
//
// # Security
//
// When security.jwt.secret is set, everything except health and metrics
// requires an HS256 bearer token. Browsers cannot set headers on a
// websocket upgrade, so /ws takes a ticket from /auth/ws-ticket instead.
// With no secret the API is open, which suits a bridge bound to localhost.
//
// # Event stream
//
// Clients subscribe to channels with {"type":"subscribe","payload":{"channels":[...]}}.
// Channels are entity.added, entity.updated and session.state.
package api
