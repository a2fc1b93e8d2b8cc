package ovms

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/logging"
)

// Message kinds reported to the Recorder.
const (
	messageResponse = "response"
	messageVersion  = "version"
	messageEntity   = "entity"
	messageIgnored  = "ignored"
)

// binaryPlaceholder replaces payloads that are not valid UTF-8.
const binaryPlaceholder = "<binary data>"

// previewLimit bounds payload text in debug logs.
const previewLimit = 50

// firmwareRetryDelays are the waits before each firmware update retry.
var firmwareRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// FirmwareUpdater records the module firmware version on its device record.
// An error means the device may not exist yet and the update is retried.
type FirmwareUpdater interface {
	UpdateFirmware(ctx context.Context, deviceID, version string) error
}

// CachedValue is the last payload seen on a topic.
type CachedValue struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Structure         Structure
	OriginalVehicleID string
	Correlator        *Correlator
	Sink              EntitySink
	Firmware          FirmwareUpdater
	Recorder          Recorder
	Logger            Logger
}

// Router classifies inbound messages and dispatches them to the correlator,
// the device registry and the entity layer.
//
// HandleMessage, PlatformsLoaded, SweepGPS and Reset must be called from one
// goroutine. Read accessors are safe from any goroutine.
type Router struct {
	structure         Structure
	originalVehicleID string
	classifier        *Classifier
	correlator        *Correlator
	sink              EntitySink
	firmware          FirmwareUpdater
	recorder          Recorder
	logger            Logger
	now               func() time.Time
	retryDelays       []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryMu  sync.Mutex
	retrying map[string]bool

	mu                sync.RWMutex
	registry          *Registry
	cache             map[string]CachedValue
	discovered        map[string]bool
	platformsLoaded   bool
	queue             []EntityEvent
	gps               gpsTracker
	suggestedUsername string
	messageCount      uint64
}

// NewRouter creates a router with an empty session registry.
func NewRouter(opts RouterOptions) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		structure:         opts.Structure,
		originalVehicleID: opts.OriginalVehicleID,
		classifier:        NewClassifier(opts.Structure),
		correlator:        opts.Correlator,
		sink:              opts.Sink,
		firmware:          opts.Firmware,
		recorder:          opts.Recorder,
		logger:            opts.Logger,
		now:               time.Now,
		retryDelays:       firmwareRetryDelays,
		ctx:               ctx,
		cancel:            cancel,
		cache:             make(map[string]CachedValue),
		discovered:        make(map[string]bool),
		retrying:          make(map[string]bool),
	}
	if r.correlator == nil {
		r.correlator = NewCorrelator()
	}
	if r.sink == nil {
		r.sink = nopSink{}
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}
	r.registry = NewRegistry(opts.Structure.VehicleID, opts.OriginalVehicleID)
	return r
}

// HandleMessage processes one inbound message. It never panics; a failure
// for one topic is logged and the next message is processed normally.
func (r *Router) HandleMessage(topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message processing panic recovered", "topic", topic, "panic", rec)
		}
	}()

	text := decodePayload(payload)

	r.mu.Lock()
	r.messageCount++
	r.mu.Unlock()

	r.logger.Debug("message received", "topic", topic, "payload", logging.Preview(text, previewLimit))

	if id, ok := r.structure.ResponseID(topic); ok {
		r.recorder.MessageReceived(messageResponse)
		if !r.correlator.Resolve(id, text) {
			r.logger.Debug("response dropped, no pending command", "command_id", id)
		}
		return
	}

	if isVersionTopic(topic) && text != "" {
		r.recorder.MessageReceived(messageVersion)
		r.updateFirmware(text)
	}

	r.noteAlternateUsername(topic)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[topic] = CachedValue{Payload: text, Timestamp: r.now()}

	switch {
	case !r.discovered[topic]:
		r.discovered[topic] = true
		r.addEntityLocked(topic, text)
	default:
		if id, ok := r.registry.Lookup(topic); ok {
			r.recorder.MessageReceived(messageEntity)
			r.emitLocked(EntityEvent{Type: EventEntityUpdated, UniqueID: id, Topic: topic, Payload: text})
		} else if !isSystemTopic(topic) {
			r.logger.Warn("topic discovered but has no registered entity", "topic", topic)
		}
	}

	if r.gps.created && r.gps.watches(topic) {
		r.updateGPSLocked(false)
	}
}

// addEntityLocked classifies a newly seen topic and emits or queues its
// creation. Caller holds mu.
func (r *Router) addEntityLocked(topic, text string) {
	cls, ok := r.classifier.Classify(topic)
	if !ok {
		r.recorder.MessageReceived(messageIgnored)
		r.logger.Debug("topic not classified", "topic", topic)
		return
	}

	d := r.registry.Register(topic, cls)
	r.recorder.MessageReceived(messageEntity)
	r.recorder.EntityCreated(string(d.Kind))
	r.logger.Info("adding entity",
		"topic", topic,
		"kind", d.Kind,
		"name", d.Name,
		"unique_id", d.UniqueID)

	ev := EntityEvent{Type: EventEntityAdded, UniqueID: d.UniqueID, Topic: topic, Descriptor: &d, Payload: text}
	if r.platformsLoaded {
		r.emitLocked(ev)
	} else {
		r.queue = append(r.queue, ev)
	}

	r.gps.observe(topic)
	if r.platformsLoaded && r.gps.ready() && !r.gps.created {
		r.createTrackerLocked()
	}
}

// PlatformsLoaded releases queued entity creations in arrival order. The
// queue drains once; later calls only retry the tracker. It reports whether
// any topic has been discovered yet.
func (r *Router) PlatformsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.platformsLoaded {
		r.platformsLoaded = true
		queued := r.queue
		r.queue = nil
		r.logger.Info("platforms loaded, releasing queued entities", "count", len(queued))
		for _, ev := range queued {
			r.emitLocked(ev)
		}
	}

	if r.gps.ready() && !r.gps.created {
		r.createTrackerLocked()
	}
	return len(r.discovered) > 0
}

// SweepGPS forces a combined location update when none has gone out for a
// full sweep interval.
func (r *Router) SweepGPS() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gps.created && r.gps.stale(r.now()) {
		r.updateGPSLocked(true)
	}
}

// Reset starts a new session: the registry, discovered topics and GPS roles
// are rebuilt from scratch. The value cache and platform state survive.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry = NewRegistry(r.structure.VehicleID, r.originalVehicleID)
	r.discovered = make(map[string]bool)
	r.gps = gpsTracker{}
}

// Close cancels pending firmware retries and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// LastValue returns the cached payload for topic.
func (r *Router) LastValue(topic string) (CachedValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[topic]
	return v, ok
}

// DiscoveredTopics returns the number of distinct topics seen this session.
func (r *Router) DiscoveredTopics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.discovered)
}

// EntityCount returns the number of registered entities this session.
func (r *Router) EntityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.Len()
}

// MessageCount returns the number of messages handled since start.
func (r *Router) MessageCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messageCount
}

// SuggestedUsername returns the username segment first seen through the
// alternate subscription, if any.
func (r *Router) SuggestedUsername() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suggestedUsername
}

func (r *Router) noteAlternateUsername(topic string) {
	user, ok := r.structure.AlternateUsername(topic)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suggestedUsername != "" {
		return
	}
	r.suggestedUsername = user
	r.logger.Warn("topics arriving under a different username segment",
		"configured", r.structure.Username,
		"observed", user,
		"topic", topic)
}

// createTrackerLocked emits the combined location entity and its latitude
// and longitude sensors. Caller holds mu.
func (r *Router) createTrackerLocked() {
	vid := r.structure.VehicleID
	if vid == "" {
		return
	}
	lower := strings.ToLower(vid)
	device := r.registry.Device()

	tracker := Descriptor{
		Kind:         EntityDeviceTracker,
		Name:         fmt.Sprintf("ovms_%s_location", lower),
		FriendlyName: vid + " Location",
		UniqueID:     vid + "_location",
		Topic:        combinedLocationTopic,
		Category:     "location",
		Attributes: map[string]any{
			"category":  "location",
			"lat_topic": r.gps.latTopic,
			"lon_topic": r.gps.lonTopic,
		},
		Device: device,
	}
	latSensor := r.coordinateSensor(vid, "latitude", "Latitude", r.gps.latTopic, device)
	lonSensor := r.coordinateSensor(vid, "longitude", "Longitude", r.gps.lonTopic, device)

	r.emitLocked(EntityEvent{Type: EventEntityAdded, UniqueID: tracker.UniqueID, Topic: tracker.Topic,
		Descriptor: &tracker, Payload: Location{}})
	for _, s := range []*Descriptor{&latSensor, &lonSensor} {
		r.emitLocked(EntityEvent{Type: EventEntityAdded, UniqueID: s.UniqueID, Topic: s.Topic,
			Descriptor: s, Payload: r.cachedPayload(s.Topic)})
	}

	r.gps.created = true
	r.recorder.EntityCreated(string(EntityDeviceTracker))
	r.logger.Info("created combined location tracker",
		"lat_topic", r.gps.latTopic,
		"lon_topic", r.gps.lonTopic)

	r.updateGPSLocked(true)
}

func (r *Router) coordinateSensor(vid, key, label, topic string, device DeviceInfo) Descriptor {
	return Descriptor{
		Kind:         EntitySensor,
		Name:         fmt.Sprintf("ovms_%s_%s", strings.ToLower(vid), key),
		FriendlyName: vid + " " + label,
		UniqueID:     fmt.Sprintf("%s_%s_sensor", vid, key),
		Topic:        topic,
		Category:     "location",
		Unit:         "°",
		Attributes:   map[string]any{"category": "location"},
		Device:       device,
	}
}

// updateGPSLocked recomputes the combined fix from cached coordinates. force
// skips the throttle. Caller holds mu.
func (r *Router) updateGPSLocked(force bool) {
	lat, okLat := parseCoordinate(r.cachedPayload(r.gps.latTopic), 90)
	lon, okLon := parseCoordinate(r.cachedPayload(r.gps.lonTopic), 180)
	if !okLat || !okLon {
		return
	}

	now := r.now()
	if !force && !r.gps.shouldUpdate(lat, lon, now) {
		return
	}
	r.gps.record(lat, lon, now)

	var accuracy float64
	if r.gps.sqTopic != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(r.cachedPayload(r.gps.sqTopic)), 64); err == nil {
			accuracy = f
		}
	}

	vid := r.structure.VehicleID
	loc := Location{
		Latitude:    lat,
		Longitude:   lon,
		GPSAccuracy: accuracy,
		LastUpdated: float64(now.UnixNano()) / float64(time.Second),
	}
	r.emitLocked(EntityEvent{Type: EventEntityUpdated, UniqueID: vid + "_location", Topic: combinedLocationTopic, Payload: loc})
	r.emitLocked(EntityEvent{Type: EventEntityUpdated, UniqueID: vid + "_latitude_sensor", Topic: r.gps.latTopic,
		Payload: strconv.FormatFloat(lat, 'f', -1, 64)})
	r.emitLocked(EntityEvent{Type: EventEntityUpdated, UniqueID: vid + "_longitude_sensor", Topic: r.gps.lonTopic,
		Payload: strconv.FormatFloat(lon, 'f', -1, 64)})
}

func (r *Router) cachedPayload(topic string) string {
	if v, ok := r.cache[topic]; ok {
		return v.Payload
	}
	return "unknown"
}

func (r *Router) emitLocked(ev EntityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	r.sink.HandleEntityEvent(ev)
}

// updateFirmware forwards version to the device registry, retrying in the
// background while the device record does not exist yet.
func (r *Router) updateFirmware(version string) {
	vid := r.structure.VehicleID
	if r.firmware == nil || vid == "" {
		return
	}

	err := r.firmware.UpdateFirmware(r.ctx, vid, version)
	if err == nil {
		r.logger.Info("firmware version updated", "device_id", vid, "version", version)
		return
	}
	r.logger.Debug("firmware update deferred", "device_id", vid, "error", err)

	// One retry in flight per device and version.
	key := vid + "\x00" + version
	r.retryMu.Lock()
	if r.retrying[key] {
		r.retryMu.Unlock()
		return
	}
	r.retrying[key] = true
	r.retryMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.retryMu.Lock()
			delete(r.retrying, key)
			r.retryMu.Unlock()
		}()
		for attempt, delay := range r.retryDelays {
			timer := time.NewTimer(delay)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := r.firmware.UpdateFirmware(r.ctx, vid, version); err == nil {
				r.logger.Info("firmware version updated on retry",
					"device_id", vid,
					"version", version,
					"attempt", attempt+1)
				return
			}
		}
		r.logger.Warn("failed to update firmware version", "device_id", vid, "attempts", len(r.retryDelays))
	}()
}

func decodePayload(payload []byte) string {
	if !utf8.Valid(payload) {
		return binaryPlaceholder
	}
	return string(payload)
}

func isVersionTopic(topic string) bool {
	lower := strings.ToLower(topic)
	return strings.Contains(lower, "/version") ||
		strings.Contains(lower, "m.version") ||
		strings.Contains(lower, "m/version") ||
		strings.Contains(lower, "firmware")
}

// isSystemTopic reports topics that carry no entity by design.
func isSystemTopic(topic string) bool {
	return strings.HasSuffix(topic, eventSuffix) ||
		strings.Contains(topic, "client/rr/command") ||
		strings.Contains(topic, "client/rr/response")
}
