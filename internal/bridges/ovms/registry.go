package ovms

import (
	"crypto/md5" //nolint:gosec // topic fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Device identity published with every entity.
const (
	deviceDomain       = "ovms"
	deviceManufacturer = "Open Vehicles"
	deviceModel        = "OVMS Module"
)

// DeviceInfo identifies the OVMS module an entity belongs to.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// NewDeviceInfo returns the device identity for vehicleID.
func NewDeviceInfo(vehicleID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceDomain, vehicleID},
		Name:         "OVMS - " + vehicleID,
		Manufacturer: deviceManufacturer,
		Model:        deviceModel,
	}
}

// Descriptor is a classified, named entity handed to the entity layer.
type Descriptor struct {
	Kind         EntityKind     `json:"kind"`
	Name         string         `json:"name"`
	FriendlyName string         `json:"friendly_name"`
	UniqueID     string         `json:"unique_id"`
	Topic        string         `json:"topic"`
	Category     string         `json:"category"`
	MetricPath   string         `json:"metric_path,omitempty"`
	Unit         string         `json:"unit,omitempty"`
	DeviceClass  string         `json:"device_class,omitempty"`
	StateClass   string         `json:"state_class,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	Device       DeviceInfo     `json:"device"`
}

// UniqueID derives the stable entity id. It changes only if the topic string
// changes.
func UniqueID(originalVehicleID, category, pathKey, topic string) string {
	sum := md5.Sum([]byte(topic)) //nolint:gosec // see import
	return fmt.Sprintf("%s_%s_%s_%s", originalVehicleID, category, pathKey, hex.EncodeToString(sum[:])[:8])
}

// Registry maps topics to entity unique ids for one session. It is
// append-only and rebuilt from scratch on every new session.
type Registry struct {
	vehicleID         string
	originalVehicleID string
	device            DeviceInfo

	mu      sync.RWMutex
	byTopic map[string]registered
	names   map[string]int // base canonical name -> times seen
}

type registered struct {
	uniqueID string
	name     string
}

// NewRegistry creates an empty registry. originalVehicleID anchors unique
// ids; an empty value falls back to vehicleID.
func NewRegistry(vehicleID, originalVehicleID string) *Registry {
	if originalVehicleID == "" {
		originalVehicleID = vehicleID
	}
	return &Registry{
		vehicleID:         vehicleID,
		originalVehicleID: originalVehicleID,
		device:            NewDeviceInfo(vehicleID),
		byTopic:           make(map[string]registered),
		names:             make(map[string]int),
	}
}

// Register assigns an identity to topic and returns its descriptor. A topic
// already registered keeps its unique id.
func (r *Registry) Register(topic string, cls Classification) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byTopic[topic]
	if !exists {
		base := strings.ToLower(fmt.Sprintf("ovms_%s_%s_%s", r.vehicleID, cls.Category, cls.PathKey))
		entry.name = base
		if n := r.names[base]; n > 0 {
			entry.name = fmt.Sprintf("%s_%d", base, n)
		}
		r.names[base]++
		entry.uniqueID = UniqueID(r.originalVehicleID, cls.Category, cls.PathKey, topic)
		r.byTopic[topic] = entry
	}

	d := Descriptor{
		Kind:         cls.Kind,
		Name:         entry.name,
		FriendlyName: cls.FriendlyName,
		UniqueID:     entry.uniqueID,
		Topic:        topic,
		Category:     cls.Category,
		MetricPath:   cls.MetricPath,
		Attributes:   attributesFor(topic, cls),
		Device:       r.device,
	}
	if cls.Metric != nil {
		d.Unit = cls.Metric.Unit
		d.DeviceClass = cls.Metric.DeviceClass
		d.StateClass = cls.Metric.StateClass
	}
	return d
}

// Lookup returns the unique id assigned to topic.
func (r *Registry) Lookup(topic string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byTopic[topic]
	return entry.uniqueID, ok
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}

// Device returns the device identity shared by all entities.
func (r *Registry) Device() DeviceInfo {
	return r.device
}

func attributesFor(topic string, cls Classification) map[string]any {
	attrs := map[string]any{
		"topic":    topic,
		"category": cls.Category,
		"parts":    append([]string(nil), cls.Parts...),
	}
	if m := cls.Metric; m != nil {
		if m.Description != "" {
			attrs["description"] = m.Description
		}
		if m.Icon != "" {
			attrs["icon"] = m.Icon
		}
		if m.EntityCategory != "" {
			attrs["entity_category"] = m.EntityCategory
		}
	}
	return attrs
}
