// Package logging provides structured logging for the OVMS bridge.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same shape.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting bridge", "vehicle_id", cfg.OVMS.VehicleID)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log broker passwords, InfluxDB tokens or JWT secrets. Vehicle
// payloads are logged at debug level only and truncated with Preview.
package logging
