// Package influxdb writes vehicle telemetry history to InfluxDB 2.x.
//
// Two measurements are written:
//
//	ovms_metric    tags: vehicle_id, unique_id, metric   field: value
//	ovms_location  tags: vehicle_id                      fields: latitude, longitude, gps_accuracy
//
// Writes use the client's non-blocking WriteAPI: points are batched and
// flushed by the library, and write failures arrive asynchronously on an
// error channel that Connect drains into the SetOnError callback.
//
// History is optional. When influxdb.enabled is false, Connect returns
// ErrDisabled and callers run without a client.
package influxdb
