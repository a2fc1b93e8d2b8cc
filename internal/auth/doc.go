// Package auth issues and verifies the credentials of the bridge HTTP API.
//
// API clients such as Home Assistant authenticate with HS256 bearer tokens
// signed with the configured secret. Tokens always carry an expiry; there
// is no user database and no refresh flow, so an operator mints a new token
// with `ovmsbridge token` when one runs out.
//
// Browsers cannot set headers on a WebSocket upgrade, so the event stream
// accepts short-lived random tickets instead (see RandomToken).
package auth
