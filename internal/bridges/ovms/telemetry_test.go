package ovms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricPoint struct {
	vehicleID, uniqueID, path string
	value                     float64
}

type fakeTelemetry struct {
	metrics   []metricPoint
	locations []Location
}

func (f *fakeTelemetry) WriteMetric(vehicleID, uniqueID, metricPath string, value float64) {
	f.metrics = append(f.metrics, metricPoint{vehicleID, uniqueID, metricPath, value})
}

func (f *fakeTelemetry) WriteLocation(_ string, lat, lon, acc float64) {
	f.locations = append(f.locations, Location{Latitude: lat, Longitude: lon, GPSAccuracy: acc})
}

func TestNumericValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"81", 81, true},
		{" 12.5 ", 12.5, true},
		{"-3e2", -300, true},
		{"true", 1, true},
		{"ON", 1, true},
		{"yes", 1, true},
		{"false", 0, true},
		{"off", 0, true},
		{"no", 0, true},
		{"charging", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NumericValue(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTelemetrySink(t *testing.T) {
	w := &fakeTelemetry{}
	sink := NewTelemetrySink("KIA", w)

	d := &Descriptor{UniqueID: "soc", MetricPath: "v.b.soc"}
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityAdded, UniqueID: "soc", Topic: "ovms/me/KIA/metric/v/b/soc", Descriptor: d, Payload: "80"})
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityUpdated, UniqueID: "soc", Topic: "ovms/me/KIA/metric/v/b/soc", Payload: "81"})
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityUpdated, UniqueID: "state", Topic: "ovms/me/KIA/metric/v/c/state", Payload: "charging"})
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityUpdated, UniqueID: "other", Topic: "ovms/me/KIA/x", Payload: "on"})

	require.Len(t, w.metrics, 3)
	assert.Equal(t, metricPoint{"KIA", "soc", "v.b.soc", 80}, w.metrics[0])
	assert.Equal(t, metricPoint{"KIA", "soc", "v.b.soc", 81}, w.metrics[1])
	assert.Equal(t, metricPoint{"KIA", "other", "ovms/me/KIA/x", 1}, w.metrics[2])
}

func TestTelemetrySinkLocation(t *testing.T) {
	w := &fakeTelemetry{}
	sink := NewTelemetrySink("KIA", w)

	// The tracker is announced with an empty fix.
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityAdded, UniqueID: "KIA_location", Descriptor: &Descriptor{}, Payload: Location{}})
	sink.HandleEntityEvent(EntityEvent{Type: EventEntityUpdated, UniqueID: "KIA_location",
		Payload: Location{Latitude: 51.5, Longitude: -0.12, GPSAccuracy: 10}})

	assert.Empty(t, w.metrics)
	require.Len(t, w.locations, 1)
	assert.Equal(t, 51.5, w.locations[0].Latitude)
	assert.Equal(t, 10.0, w.locations[0].GPSAccuracy)
}

func TestTelemetrySinkInMultiSink(t *testing.T) {
	w := &fakeTelemetry{}
	rec := &recordingSink{}
	multi := MultiSink{rec, nil, NewTelemetrySink("KIA", w)}

	multi.HandleEntityEvent(EntityEvent{Type: EventEntityUpdated, UniqueID: "soc", Topic: "t", Payload: "5"})

	assert.Len(t, rec.all(), 1)
	assert.Len(t, w.metrics, 1)
}
