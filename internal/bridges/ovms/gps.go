package ovms

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// GPS throttling.
const (
	// gpsMinDelta is the coordinate change in degrees that forces an update.
	gpsMinDelta = 0.00001

	// gpsDeltaEpsilon absorbs rounding in the coordinate difference.
	gpsDeltaEpsilon = 1e-9

	// gpsMinInterval is the longest an unchanged fix is held back.
	gpsMinInterval = 30 * time.Second

	// gpsSweepInterval is how often the tracker is checked for staleness.
	gpsSweepInterval = 60 * time.Second
)

const combinedLocationTopic = "combined_location"

// gpsTracker remembers which topics carry latitude, longitude and signal
// quality, and throttles combined location updates.
type gpsTracker struct {
	latTopic string
	lonTopic string
	sqTopic  string
	created  bool

	hasPrev    bool
	prevLat    float64
	prevLon    float64
	lastUpdate time.Time
}

// observe assigns a GPS role to topic if its last segment names one. The
// first topic seen for a role keeps it.
func (g *gpsTracker) observe(topic string) {
	lower := strings.ToLower(topic)
	if isGPSQualityTopic(lower) {
		if g.sqTopic == "" {
			g.sqTopic = topic
		}
		return
	}

	last := lower
	if i := strings.LastIndexByte(lower, '/'); i >= 0 {
		last = lower[i+1:]
	}
	switch {
	case strings.Contains(last, "lat"):
		if g.latTopic == "" {
			g.latTopic = topic
		}
	case strings.Contains(last, "lon") || strings.Contains(last, "lng"):
		if g.lonTopic == "" {
			g.lonTopic = topic
		}
	}
}

func (g *gpsTracker) ready() bool {
	return g.latTopic != "" && g.lonTopic != ""
}

// watches reports whether a message on topic may change the combined fix.
func (g *gpsTracker) watches(topic string) bool {
	return topic == g.latTopic || topic == g.lonTopic || topic == g.sqTopic
}

// shouldUpdate applies the throttle: a move of at least gpsMinDelta in
// either coordinate, or gpsMinInterval since the last update.
func (g *gpsTracker) shouldUpdate(lat, lon float64, now time.Time) bool {
	if !g.hasPrev {
		return true
	}
	return movedAtLeast(lat, g.prevLat) ||
		movedAtLeast(lon, g.prevLon) ||
		now.Sub(g.lastUpdate) >= gpsMinInterval
}

// movedAtLeast reports a coordinate change of gpsMinDelta or more.
func movedAtLeast(cur, prev float64) bool {
	return math.Abs(cur-prev) >= gpsMinDelta-gpsDeltaEpsilon
}

func (g *gpsTracker) record(lat, lon float64, now time.Time) {
	g.hasPrev = true
	g.prevLat = lat
	g.prevLon = lon
	g.lastUpdate = now
}

// stale reports whether no update has gone out for a full sweep interval.
func (g *gpsTracker) stale(now time.Time) bool {
	return !g.hasPrev || now.Sub(g.lastUpdate) >= gpsSweepInterval
}

func isGPSQualityTopic(lowerTopic string) bool {
	return strings.Contains(lowerTopic, "gpssq") ||
		strings.Contains(lowerTopic, "gps_sq") ||
		strings.Contains(lowerTopic, "gps/sq")
}

// parseCoordinate parses a cached coordinate, rejecting placeholder values
// and anything outside limit degrees.
func parseCoordinate(value string, limit float64) (float64, bool) {
	switch strings.TrimSpace(value) {
	case "", "unknown", "unavailable":
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || f < -limit || f > limit {
		return 0, false
	}
	return f, true
}
