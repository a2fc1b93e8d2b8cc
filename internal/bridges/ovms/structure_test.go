package ovms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const defaultTemplate = "{prefix}/{mqtt_username}/{vehicle_id}"

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"default", defaultTemplate, "ovms/me/KIA"},
		{"no username", "{prefix}/{vehicle_id}", "ovms/KIA"},
		{"literal segments", "cars/{vehicle_id}/data", "cars/KIA/data"},
		{"unknown placeholder", "{prefix}/{region}/{vehicle_id}", "ovms/KIA"},
		{"unclosed brace", "{prefix}/{vehicle_id", "ovms/KIA"},
		{"stray close brace", "{prefix}}/{vehicle_id}", "ovms/KIA"},
		{"no placeholders", "fixed/topic", "fixed/topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.template, "ovms", "KIA", "me"))
		})
	}
}

func TestStructure_Topics(t *testing.T) {
	s := NewStructure(defaultTemplate, "ovms", "KIA", "me")

	assert.Equal(t, "ovms/me/KIA", s.Prefix)
	assert.Equal(t, "ovms/me/KIA/status", s.StatusTopic())
	assert.Equal(t, "ovms/me/KIA/#", s.Wildcard())
	assert.Equal(t, "ovms/me/KIA/client/rr/response/+", s.ResponseWildcard())
	assert.Equal(t, "ovms/+/KIA/#", s.AlternateWildcard())
	assert.Equal(t, "ovms/me/KIA/client/rr/command/ab12", s.CommandTopic("ab12"))
	assert.Equal(t, "ovms/me/KIA/client/rr/response/ab12", s.ResponseTopic("ab12"))
	assert.Equal(t, []string{"ovms/me/KIA/#", "ovms/me/KIA/client/rr/response/+", "ovms/+/KIA/#"}, s.Filters())
}

func TestStructure_FiltersWithoutVehicle(t *testing.T) {
	s := NewStructure("{prefix}/{mqtt_username}", "ovms", "", "me")
	assert.Empty(t, s.AlternateWildcard())
	assert.Len(t, s.Filters(), 2)
}

func TestStructure_ResponseID(t *testing.T) {
	s := NewStructure(defaultTemplate, "ovms", "KIA", "me")

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"ovms/me/KIA/client/rr/response/ab12", "ab12", true},
		{"ovms/me/KIA/client/rr/response/", "", false},
		{"ovms/me/KIA/client/rr/response/ab/12", "", false},
		{"ovms/me/KIA/client/rr/command/ab12", "", false},
		{"ovms/other/KIA/client/rr/response/ab12", "", false},
	}
	for _, tt := range tests {
		id, ok := s.ResponseID(tt.topic)
		assert.Equal(t, tt.wantOK, ok, tt.topic)
		assert.Equal(t, tt.wantID, id, tt.topic)
	}
}

func TestStructure_AlternateUsername(t *testing.T) {
	s := NewStructure(defaultTemplate, "ovms", "KIA", "me")

	user, ok := s.AlternateUsername("ovms/ovms-mqtt-kia/KIA/metric/v/b/soc")
	assert.True(t, ok)
	assert.Equal(t, "ovms-mqtt-kia", user)

	_, ok = s.AlternateUsername("ovms/me/KIA/metric/v/b/soc")
	assert.False(t, ok, "configured prefix is not an alternate")

	_, ok = s.AlternateUsername("ovms/someone/OTHER/metric/v/b/soc")
	assert.False(t, ok, "different vehicle")
}

func TestSuggestUsername(t *testing.T) {
	tests := []struct {
		user, vid string
		want      string
		ok        bool
	}{
		{"me", "KIA", "ovms-mqtt-kia", true},
		{"ovms-mqtt-kia", "KIA", "", false},
		{"my-kia-account", "KIA", "", false},
		{"", "KIA", "", false},
		{"me", "", "", false},
	}
	for _, tt := range tests {
		got, ok := SuggestUsername(tt.user, tt.vid)
		assert.Equal(t, tt.ok, ok, "%s/%s", tt.user, tt.vid)
		assert.Equal(t, tt.want, got)
	}
}

func TestExtractVehicleIDs_StructuralMatch(t *testing.T) {
	topics := []string{
		"ovms/me/KIA/metric/v/b/soc",
		"ovms/me/KIA/status",
		"ovms/me/LEAF/metric/v/b/soc",
		"ovms/me/client/rr/command/x",
	}
	ids, user := ExtractVehicleIDs(topics, defaultTemplate, "ovms", "me")
	assert.Equal(t, []string{"KIA", "LEAF"}, ids)
	assert.Empty(t, user, "no fallback when the structure matched")
}

func TestExtractVehicleIDs_FallbackRecordsUsername(t *testing.T) {
	topics := []string{"ovms/userA/VID1/metric/x", "ovms/userA/VID1/status"}

	ids, user := ExtractVehicleIDs(topics, defaultTemplate, "ovms", "someone-else")
	assert.Equal(t, []string{"VID1"}, ids)
	assert.Equal(t, "userA", user)
}

func TestExtractVehicleIDs_UnknownUsernameMatchesAny(t *testing.T) {
	topics := []string{"ovms/userA/VID1/metric/x"}

	ids, user := ExtractVehicleIDs(topics, defaultTemplate, "ovms", "")
	assert.Equal(t, []string{"VID1"}, ids)
	assert.Empty(t, user)
}

func TestExtractVehicleIDs_ExcludesReservedSegments(t *testing.T) {
	topics := []string{
		"ovms/userA/client/rr/command/1",
		"ovms/userA/rr/x",
	}
	ids, _ := ExtractVehicleIDs(topics, defaultTemplate, "ovms", "nobody")
	assert.Empty(t, ids)
}

func TestExtractVehicleIDs_CustomStructureUsesFallback(t *testing.T) {
	topics := []string{"ovms/u/V1/metric/a"}
	ids, user := ExtractVehicleIDs(topics, CustomStructure, "ovms", "u")
	assert.Equal(t, []string{"V1"}, ids)
	assert.Equal(t, "u", user)
}

func TestExtractVehicleIDs_Deterministic(t *testing.T) {
	a := []string{"ovms/u2/B/m/x", "ovms/u1/A/m/x"}
	b := []string{"ovms/u1/A/m/x", "ovms/u2/B/m/x"}

	idsA, userA := ExtractVehicleIDs(a, defaultTemplate, "ovms", "none")
	idsB, userB := ExtractVehicleIDs(b, defaultTemplate, "ovms", "none")
	assert.Equal(t, idsA, idsB)
	assert.Equal(t, userA, userB)
	assert.Equal(t, "u1", userA)
}
