package mqtt

import (
	"fmt"
	"strings"
)

// MQTT topic wildcards.
const (
	// WildcardSingle matches exactly one topic level.
	WildcardSingle = "+"

	// WildcardMulti matches any number of trailing topic levels.
	WildcardMulti = "#"
)

// =============================================================================
// Validation
// =============================================================================

// ValidatePublishTopic checks that topic is a concrete, publishable name.
//
// Publish topics must be non-empty and must not contain wildcards.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, WildcardSingle+WildcardMulti) {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks that filter is a well-formed subscription filter.
//
// "+" must occupy a whole level and "#" must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: filter cannot be empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, WildcardMulti) && (level != WildcardMulti || i != len(levels)-1) {
			return fmt.Errorf("%w: %q must be the final level in %q", ErrInvalidTopic, WildcardMulti, filter)
		}
		if strings.Contains(level, WildcardSingle) && level != WildcardSingle {
			return fmt.Errorf("%w: %q must occupy a whole level in %q", ErrInvalidTopic, WildcardSingle, filter)
		}
	}
	return nil
}

// =============================================================================
// Matching
// =============================================================================

// Match reports whether topic is selected by the subscription filter.
//
// Example:
//
//	mqtt.Match("ovms/+/KONA/#", "ovms/me/KONA/metric/v/b/soc") // true
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == WildcardMulti {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != WildcardSingle && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// MatchAny reports whether any filter selects topic.
func MatchAny(filters []string, topic string) bool {
	for _, f := range filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}
