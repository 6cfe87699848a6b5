package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityHigh.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityLow))
	assert.True(t, SeverityLow.AtLeast(SeverityLow))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityMedium, SeverityHigh))
	assert.Equal(t, SeverityMedium, MaxSeverity(SeverityMedium, SeverityLow))
	assert.False(t, Severity("critical").Valid())

	sev, ok := ParseSeverity(" HIGH ")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "new_to_investigating", from: StatusNew, to: StatusInvestigating, want: true},
		{name: "new_to_resolved", from: StatusNew, to: StatusResolved, want: true},
		{name: "investigating_to_resolved", from: StatusInvestigating, to: StatusResolved, want: true},
		{name: "investigating_to_new", from: StatusInvestigating, to: StatusNew, want: false},
		{name: "resolved_is_terminal", from: StatusResolved, to: StatusInvestigating, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNetworkEvent_Validate(t *testing.T) {
	valid := func() NetworkEvent {
		return NetworkEvent{
			ID:            "1",
			SourceIP:      "192.168.1.100",
			DestinationIP: "10.0.0.1",
			Protocol:      ProtocolTCP,
			Size:          1500,
			Port:          intPtr(80),
		}
	}

	tests := []struct {
		name   string
		mutate func(e *NetworkEvent)
		field  string
	}{
		{name: "valid", mutate: func(e *NetworkEvent) {}},
		{name: "lowercase_protocol", mutate: func(e *NetworkEvent) { e.Protocol = "udp" }},
		{name: "missing_source", mutate: func(e *NetworkEvent) { e.SourceIP = "" }, field: "source_ip"},
		{name: "malformed_destination", mutate: func(e *NetworkEvent) { e.DestinationIP = "10.0.0" }, field: "destination_ip"},
		{name: "unknown_protocol", mutate: func(e *NetworkEvent) { e.Protocol = "SCTP" }, field: "protocol"},
		{name: "port_out_of_range", mutate: func(e *NetworkEvent) { e.Port = intPtr(70000) }, field: "port"},
		{name: "negative_size", mutate: func(e *NetworkEvent) { e.Size = -1 }, field: "size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid()
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEvent))
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestSettings_CloneIsDeep(t *testing.T) {
	s := Settings{Sensitivity: 5, AllowedIPs: []string{"10.0.0.1"}}
	c := s.Clone()
	c.AllowedIPs[0] = "10.0.0.2"
	assert.Equal(t, "10.0.0.1", s.AllowedIPs[0])
}

func TestSensitivityLabel(t *testing.T) {
	assert.Equal(t, "Low", SensitivityLabel(1))
	assert.Equal(t, "Low", SensitivityLabel(3))
	assert.Equal(t, "Medium", SensitivityLabel(3.1))
	assert.Equal(t, "Medium", SensitivityLabel(7))
	assert.Equal(t, "High", SensitivityLabel(7.5))
}

func TestNetworkEvent_MarshalIncludesHex(t *testing.T) {
	ev := NetworkEvent{ID: "1", Payload: []byte("Hello")}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "48 65 6c 6c 6f", decoded["payload_hex"])
	assert.Equal(t, "1", decoded["id"])
}
