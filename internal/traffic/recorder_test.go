package traffic

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id, src string, proto model.Protocol, size int) *model.NetworkEvent {
	return &model.NetworkEvent{
		ID:            id,
		SourceIP:      src,
		DestinationIP: "10.0.0.1",
		Protocol:      proto,
		Size:          size,
		Payload:       []byte("Hel"),
	}
}

func TestNewRecorder_Invalid(t *testing.T) {
	_, err := NewRecorder(0, 10)
	assert.Error(t, err)
	_, err = NewRecorder(10, 0)
	assert.Error(t, err)
}

func TestRecorder_Series(t *testing.T) {
	r, err := NewRecorder(5, 10)
	require.NoError(t, err)

	clock := time.Unix(1700000000, 0)
	r.now = func() time.Time { return clock }

	r.Record(event("1", "192.168.1.1", model.ProtocolTCP, 100), model.SeverityLow, false)
	r.Record(event("2", "192.168.1.1", model.ProtocolTCP, 50), model.SeverityLow, false)
	clock = clock.Add(2 * time.Second)
	r.Record(event("3", "192.168.1.1", model.ProtocolUDP, 10), model.SeverityLow, false)

	series := r.Series(3)
	require.Len(t, series, 3)
	assert.Equal(t, Point{Timestamp: 1700000000 * 1000, Packets: 2, Bandwidth: 150}, series[0])
	assert.Equal(t, Point{Timestamp: 1700000001 * 1000}, series[1])
	assert.Equal(t, Point{Timestamp: 1700000002 * 1000, Packets: 1, Bandwidth: 10}, series[2])

	// a bucket reused after wrap-around starts from zero
	clock = clock.Add(5 * time.Second)
	r.Record(event("4", "192.168.1.1", model.ProtocolUDP, 7), model.SeverityLow, false)
	last := r.Series(1)
	assert.Equal(t, 1, last[0].Packets)
	assert.Equal(t, 7, last[0].Bandwidth)

	assert.Len(t, r.Series(0), 5)
}

func TestRecorder_PacketsNewestFirstAndBounded(t *testing.T) {
	r, err := NewRecorder(5, 3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		r.Record(event(fmt.Sprint(i), "192.168.1.1", model.ProtocolTCP, 60), model.SeverityLow, false)
	}

	packets := r.Packets(PacketQuery{})
	require.Len(t, packets, 3)
	assert.Equal(t, "5", packets[0].ID)
	assert.Equal(t, "3", packets[2].ID)
	assert.Equal(t, "48 65 6c", packets[0].Payload)
}

func TestRecorder_PacketFilters(t *testing.T) {
	r, err := NewRecorder(5, 10)
	require.NoError(t, err)

	r.Record(event("1", "192.168.1.100", model.ProtocolTCP, 60), model.SeverityHigh, true)
	r.Record(event("2", "172.16.0.4", model.ProtocolUDP, 60), model.SeverityLow, false)
	r.Record(event("3", "192.168.1.7", model.ProtocolICMP, 60), "", false)

	ids := func(ps []Packet) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		query PacketQuery
		want  []string
	}{
		{name: "all", query: PacketQuery{}, want: []string{"3", "2", "1"}},
		{name: "address", query: PacketQuery{Search: "192.168.1"}, want: []string{"3", "1"}},
		{name: "protocol_search", query: PacketQuery{Search: "udp"}, want: []string{"2"}},
		{name: "protocol_filter", query: PacketQuery{Protocol: model.ProtocolICMP}, want: []string{"3"}},
		{name: "limit", query: PacketQuery{Limit: 2}, want: []string{"3", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(r.Packets(tt.query)))
		})
	}

	assert.Equal(t, model.SeverityLow, r.Packets(PacketQuery{Limit: 1})[0].Severity, "missing severity defaults to low")
}

func TestRecorder_Export(t *testing.T) {
	r, err := NewRecorder(5, 10)
	require.NoError(t, err)

	r.Record(event("1", "192.168.1.100", model.ProtocolTCP, 60), model.SeverityHigh, true)
	r.Record(event("2", "192.168.1.101", model.ProtocolTCP, 60), model.SeverityLow, false)

	var buf bytes.Buffer
	n, err := r.Export(&buf, PacketQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scanner := bufio.NewScanner(&buf)
	var lines []Packet
	for scanner.Scan() {
		var p Packet
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		lines = append(lines, p)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "2", lines[0].ID)
	assert.True(t, lines[1].Flagged)
}
