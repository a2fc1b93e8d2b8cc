package ovms

import (
	"strconv"
	"strings"
	"sync"
)

// TelemetryWriter stores numeric history. The influxdb client satisfies it.
type TelemetryWriter interface {
	WriteMetric(vehicleID, uniqueID, metricPath string, value float64)
	WriteLocation(vehicleID string, latitude, longitude, accuracy float64)
}

// TelemetrySink writes every numeric entity value and GPS fix to a
// TelemetryWriter. Non-numeric payloads are dropped.
type TelemetrySink struct {
	vehicleID string
	writer    TelemetryWriter

	mu    sync.Mutex
	paths map[string]string // unique_id -> metric path
}

// NewTelemetrySink returns a sink writing under vehicleID.
func NewTelemetrySink(vehicleID string, w TelemetryWriter) *TelemetrySink {
	return &TelemetrySink{
		vehicleID: vehicleID,
		writer:    w,
		paths:     make(map[string]string),
	}
}

// HandleEntityEvent implements EntitySink.
func (s *TelemetrySink) HandleEntityEvent(ev EntityEvent) {
	if loc, ok := ev.Payload.(Location); ok {
		if loc.Latitude != 0 || loc.Longitude != 0 {
			s.writer.WriteLocation(s.vehicleID, loc.Latitude, loc.Longitude, loc.GPSAccuracy)
		}
		return
	}

	path := s.metricPath(ev)
	text, ok := ev.Payload.(string)
	if !ok {
		return
	}
	value, ok := NumericValue(text)
	if !ok {
		return
	}
	s.writer.WriteMetric(s.vehicleID, ev.UniqueID, path, value)
}

func (s *TelemetrySink) metricPath(ev EntityEvent) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Descriptor != nil {
		path := ev.Descriptor.MetricPath
		if path == "" {
			path = ev.Topic
		}
		s.paths[ev.UniqueID] = path
		return path
	}
	if path, ok := s.paths[ev.UniqueID]; ok {
		return path
	}
	return ev.Topic
}

// NumericValue parses a payload as a number. Boolean words map to 1 and 0.
func NumericValue(payload string) (float64, bool) {
	text := strings.TrimSpace(payload)
	switch strings.ToLower(text) {
	case "true", "on", "yes":
		return 1, true
	case "false", "off", "no":
		return 0, true
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
