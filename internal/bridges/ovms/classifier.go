package ovms

import (
	"fmt"
	"strings"
	"unicode"
)

// EntityKind is the shape of entity a topic becomes.
type EntityKind string

// Entity kinds.
const (
	EntitySensor        EntityKind = "sensor"
	EntityBinarySensor  EntityKind = "binary_sensor"
	EntitySwitch        EntityKind = "switch"
	EntityDeviceTracker EntityKind = "device_tracker"
)

// Naming categories taken from the raw topic.
var topicCategories = []string{"metric", "status", "location", "notify", "command"}

const unknownCategory = "unknown"

var (
	binaryKeywords   = []string{"active", "enabled", "running", "connected", "locked", "door", "charging"}
	binaryExclusions = []string{"power", "energy", "duration", "consumption", "acceleration", "direction", "monotonic"}
	switchKeywords   = []string{"switch", "toggle", "set", "enable", "disable"}
	locationKeywords = []string{"latitude", "longitude", "gps", "position", "location"}
)

// Classification is the entity shape inferred for one topic.
type Classification struct {
	Kind         EntityKind
	Name         string
	FriendlyName string

	// Category names the topic family: diagnostic for the status topic,
	// otherwise the first of metric/status/location/notify/command in the
	// topic, or unknown.
	Category string

	// MetricPath is the normalised dotted path used for table lookup.
	MetricPath string

	// PathKey is the underscore-joined path after the category, used in
	// canonical names and unique ids.
	PathKey string

	Parts  []string
	Metric *MetricDefinition
}

// ruleInput is what the kind rules see.
type ruleInput struct {
	parts      []string
	name       string
	metricPath string
	metric     *MetricDefinition
}

// kindRule decides one entity kind. Rules run in order and the first match
// wins; no match means sensor.
type kindRule struct {
	kind  EntityKind
	match func(in ruleInput) bool
}

var kindRules = []kindRule{
	{EntityBinarySensor, isBinary},
	{EntitySwitch, isSwitch},
	{EntityDeviceTracker, isLocation},
}

// Classifier infers entity shape from topic strings for one structure.
// It holds no mutable state.
type Classifier struct {
	structure Structure
}

// NewClassifier creates a classifier for s.
func NewClassifier(s Structure) *Classifier {
	return &Classifier{structure: s}
}

// Classify returns the entity shape for topic, or false when the topic
// never becomes an entity.
func (c *Classifier) Classify(topic string) (Classification, bool) {
	if strings.HasSuffix(topic, statusSuffix) {
		return Classification{
			Kind:         EntitySensor,
			Name:         "status",
			FriendlyName: fmt.Sprintf("OVMS %s Connection", c.structure.VehicleID),
			Category:     diagnostic,
			MetricPath:   "status",
			PathKey:      "status",
			Parts:        []string{"status"},
		}, true
	}
	if strings.HasSuffix(topic, eventSuffix) {
		return Classification{}, false
	}

	suffix, ok := c.suffix(topic)
	if !ok {
		return Classification{}, false
	}

	parts := splitSegments(suffix)
	if len(parts) < 2 {
		return Classification{}, false
	}
	if strings.Contains(suffix, "client/rr/command") || strings.Contains(suffix, "client/rr/response") {
		return Classification{}, false
	}

	metricPath := normaliseMetricPath(parts)

	var metric *MetricDefinition
	if def, found := LookupMetric(metricPath); found {
		metric = &def
	} else if def, found := LookupMetricPattern(parts); found {
		metric = &def
	}

	in := ruleInput{
		parts:      parts,
		name:       strings.Join(parts, "_"),
		metricPath: metricPath,
		metric:     metric,
	}

	kind := EntitySensor
	for _, rule := range kindRules {
		if rule.match(in) {
			kind = rule.kind
			break
		}
	}

	category, pathKey := topicCategory(topic, in.name)

	return Classification{
		Kind:         kind,
		Name:         in.name,
		FriendlyName: friendlyName(parts, metric),
		Category:     category,
		MetricPath:   metricPath,
		PathKey:      pathKey,
		Parts:        parts,
		Metric:       metric,
	}, true
}

// suffix strips the structure prefix from topic. A topic under a different
// username segment is accepted when it carries the vehicle id.
func (c *Classifier) suffix(topic string) (string, bool) {
	s := c.structure
	if rest, ok := strings.CutPrefix(topic, s.Prefix+"/"); ok {
		return rest, rest != ""
	}
	if s.VehicleID == "" || s.TopicPrefix == "" || !strings.HasPrefix(topic, s.TopicPrefix) {
		return "", false
	}
	_, rest, found := strings.Cut(topic, "/"+s.VehicleID+"/")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// normaliseMetricPath builds the dotted lookup key. Vendor paths of the form
// metric/xvu/<vendor>/... drop the xvu marker.
func normaliseMetricPath(parts []string) string {
	if parts[0] != "metric" {
		return strings.Join(parts, ".")
	}
	if len(parts) > 3 && parts[1] == "xvu" {
		return strings.Join(parts[2:], ".")
	}
	return strings.Join(parts[1:], ".")
}

func isBinary(in ruleInput) bool {
	if IsBinaryMetric(in.metricPath) {
		return true
	}
	if in.metric != nil && in.metric.Binary {
		return true
	}
	name := strings.ToLower(in.name)
	if !containsAny(name, binaryKeywords) && !hasToken(name, "on") {
		return false
	}
	return !containsAny(name, binaryExclusions)
}

func isSwitch(in ruleInput) bool {
	for _, p := range in.parts {
		if p == "command" {
			return true
		}
	}
	return containsAny(strings.ToLower(in.name), switchKeywords)
}

func isLocation(in ruleInput) bool {
	return containsAny(strings.ToLower(in.name), locationKeywords)
}

// topicCategory picks the naming category from the full topic and returns
// the underscore-joined path after it.
func topicCategory(topic, name string) (string, string) {
	segments := strings.Split(topic, "/")
	if len(segments) < 4 {
		return unknownCategory, name
	}
	for i, seg := range segments {
		lower := strings.ToLower(seg)
		for _, cat := range topicCategories {
			if lower != cat {
				continue
			}
			rest := splitSegments(strings.Join(segments[i+1:], "/"))
			if len(rest) == 0 {
				return cat, name
			}
			return cat, strings.Join(rest, "_")
		}
	}
	return unknownCategory, name
}

func friendlyName(parts []string, metric *MetricDefinition) string {
	if metric != nil && metric.Name != "" {
		return metric.Name
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return titleCase(strings.ReplaceAll(parts[len(parts)-1], "_", " "))
}

// splitSegments splits a topic path and drops empty segments.
func splitSegments(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// hasToken reports whether word appears as a whole token of s, where tokens
// are separated by anything that is not a letter or digit.
func hasToken(s, word string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, t := range tokens {
		if t == word {
			return true
		}
	}
	return false
}

// titleCase upper-cases the first letter of every letter run.
func titleCase(s string) string {
	out := []rune(s)
	prevLetter := false
	for i, r := range out {
		if unicode.IsLetter(r) {
			if prevLetter {
				out[i] = unicode.ToLower(r)
			} else {
				out[i] = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
	}
	return string(out)
}
