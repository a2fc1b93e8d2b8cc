package influxdb

import "github.com/influxdata/influxdb-client-go/v2/api/write"

// Measurement names.
const (
	MeasurementMetric   = "ovms_metric"
	MeasurementLocation = "ovms_location"
)

// WriteMetric records one numeric entity value.
//
//	client.WriteMetric("KIA", "KIA_metric_v_b_soc_1a2b3c4d", "v.b.soc", 81)
func (c *Client) WriteMetric(vehicleID, uniqueID, metricPath string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementMetric,
		map[string]string{
			"vehicle_id": vehicleID,
			"unique_id":  uniqueID,
			"metric":     metricPath,
		},
		map[string]any{"value": value},
		c.now(),
	)
	c.writer.WritePoint(point)
}

// WriteLocation records a GPS fix. A zero accuracy is omitted.
func (c *Client) WriteLocation(vehicleID string, latitude, longitude, accuracy float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]any{
		"latitude":  latitude,
		"longitude": longitude,
	}
	if accuracy > 0 {
		fields["gps_accuracy"] = accuracy
	}

	point := write.NewPoint(
		MeasurementLocation,
		map[string]string{"vehicle_id": vehicleID},
		fields,
		c.now(),
	)
	c.writer.WritePoint(point)
}
