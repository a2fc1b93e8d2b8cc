package ovms

import (
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
)

// Template placeholders.
const (
	placeholderPrefix   = "{prefix}"
	placeholderVehicle  = "{vehicle_id}"
	placeholderUsername = "{mqtt_username}"
)

// CustomStructure marks a hand-written template that discovery must not
// try to match structurally.
const CustomStructure = "custom"

// Fixed topic segments under the structure prefix.
const (
	statusSuffix   = "/status"
	eventSuffix    = "/event"
	commandSegment = "/client/rr/command/"
	responseSeg    = "/client/rr/response/"
)

// Status payloads for the retained status topic and last will.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// reservedVehicleSegments are never accepted as vehicle ids.
var reservedVehicleSegments = map[string]bool{"client": true, "rr": true}

// Resolve substitutes prefix, vehicle id and username into template.
//
// It fails soft: an unknown placeholder or an unbalanced brace yields the
// fallback "prefix/vehicleID".
func Resolve(template, prefix, vehicleID, username string) string {
	fallback := prefix + "/" + vehicleID

	var b strings.Builder
	rest := template
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		closeIdx := strings.IndexByte(rest, '}')

		if open < 0 {
			if closeIdx >= 0 {
				return fallback
			}
			b.WriteString(rest)
			break
		}
		if closeIdx >= 0 && closeIdx < open {
			return fallback
		}

		b.WriteString(rest[:open])
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return fallback
		}
		switch rest[open : open+end+1] {
		case placeholderPrefix:
			b.WriteString(prefix)
		case placeholderVehicle:
			b.WriteString(vehicleID)
		case placeholderUsername:
			b.WriteString(username)
		default:
			return fallback
		}
		rest = rest[open+end+1:]
	}
	return b.String()
}

// Structure is the resolved topic layout for one vehicle.
type Structure struct {
	// Prefix is the resolved structure prefix, e.g. "ovms/me/KONA".
	Prefix string

	// TopicPrefix is the bare configured prefix, e.g. "ovms".
	TopicPrefix string

	VehicleID string
	Username  string
}

// NewStructure resolves template into a Structure.
func NewStructure(template, prefix, vehicleID, username string) Structure {
	return Structure{
		Prefix:      Resolve(template, prefix, vehicleID, username),
		TopicPrefix: prefix,
		VehicleID:   vehicleID,
		Username:    username,
	}
}

// StatusTopic is where online/offline is published retained.
func (s Structure) StatusTopic() string {
	return s.Prefix + statusSuffix
}

// Wildcard selects every topic under the structure prefix.
func (s Structure) Wildcard() string {
	return s.Prefix + "/" + mqtt.WildcardMulti
}

// ResponseWildcard selects every command response.
func (s Structure) ResponseWildcard() string {
	return s.Prefix + responseSeg + mqtt.WildcardSingle
}

// AlternateWildcard selects the vehicle's topics under any username
// segment. Empty when either the prefix or vehicle id is unset.
func (s Structure) AlternateWildcard() string {
	if s.TopicPrefix == "" || s.VehicleID == "" {
		return ""
	}
	return s.TopicPrefix + "/" + mqtt.WildcardSingle + "/" + s.VehicleID + "/" + mqtt.WildcardMulti
}

// Filters returns the standing subscriptions in subscribe order.
func (s Structure) Filters() []string {
	filters := []string{s.Wildcard(), s.ResponseWildcard()}
	if alt := s.AlternateWildcard(); alt != "" {
		filters = append(filters, alt)
	}
	return filters
}

// CommandTopic is the topic a command with the given id is published to.
func (s Structure) CommandTopic(commandID string) string {
	return s.Prefix + commandSegment + commandID
}

// ResponseTopic is the topic the module answers command commandID on.
func (s Structure) ResponseTopic(commandID string) string {
	return s.Prefix + responseSeg + commandID
}

// ResponseID extracts the command id from a response topic.
func (s Structure) ResponseID(topic string) (string, bool) {
	head := s.Prefix + responseSeg
	if !strings.HasPrefix(topic, head) {
		return "", false
	}
	id := topic[len(head):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// AlternateUsername returns the username segment of topic when it arrived
// through the alternate pattern rather than the configured prefix.
func (s Structure) AlternateUsername(topic string) (string, bool) {
	if s.VehicleID == "" || s.TopicPrefix == "" || strings.HasPrefix(topic, s.Prefix+"/") {
		return "", false
	}
	rest, ok := strings.CutPrefix(topic, s.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[1] != s.VehicleID || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// SuggestUsername returns the conventional username for vehicleID when the
// configured one looks inconsistent with it. It never changes config.
func SuggestUsername(username, vehicleID string) (string, bool) {
	if username == "" || vehicleID == "" {
		return "", false
	}
	expected := "ovms-mqtt-" + strings.ToLower(vehicleID)
	lower := strings.ToLower(username)
	if lower == expected || strings.Contains(lower, strings.ToLower(vehicleID)) {
		return "", false
	}
	return expected, true
}

// ExtractVehicleIDs finds candidate vehicle ids in observed topics.
//
// It first matches topics against template with {vehicle_id} as a one
// segment capture. When that finds nothing it falls back to
// "prefix/<username>/<vehicle_id>/..." and also returns the username seen
// there.
func ExtractVehicleIDs(topics []string, template, prefix, username string) ([]string, string) {
	if prefix == "" {
		prefix = "ovms"
	}

	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)

	found := make(map[string]bool)

	if template != CustomStructure {
		if re := structureMatcher(template, prefix, username); re != nil {
			for _, topic := range sorted {
				m := re.FindStringSubmatch(topic)
				if len(m) > 1 && !reservedVehicleSegments[m[1]] {
					found[m[1]] = true
				}
			}
		}
	}

	var discovered string
	if len(found) == 0 {
		generic := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `/([^/]+)/([^/]+)/`)
		for _, topic := range sorted {
			m := generic.FindStringSubmatch(topic)
			if len(m) < 3 || reservedVehicleSegments[m[2]] {
				continue
			}
			if discovered == "" {
				discovered = m[1]
			}
			found[m[2]] = true
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, discovered
}

// structureMatcher compiles template into a regexp capturing the vehicle id.
// It returns nil when the template has no vehicle id placeholder.
func structureMatcher(template, prefix, username string) *regexp.Regexp {
	if !strings.Contains(template, placeholderVehicle) {
		return nil
	}

	user := `[^/]+`
	if username != "" {
		user = regexp.QuoteMeta(username)
	}

	var b strings.Builder
	b.WriteString("^")
	captured := false
	rest := template
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:open]))
		rest = rest[open:]

		switch {
		case strings.HasPrefix(rest, placeholderPrefix):
			b.WriteString(regexp.QuoteMeta(prefix))
			rest = rest[len(placeholderPrefix):]
		case strings.HasPrefix(rest, placeholderUsername):
			b.WriteString(user)
			rest = rest[len(placeholderUsername):]
		case strings.HasPrefix(rest, placeholderVehicle):
			if captured {
				b.WriteString(`[^/]+`)
			} else {
				b.WriteString(`([^/]+)`)
				captured = true
			}
			rest = rest[len(placeholderVehicle):]
		default:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			rest = rest[1:]
		}
	}
	b.WriteString("/")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}
