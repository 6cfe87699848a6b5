package traffic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
)

// Point is one second of traffic on the dashboard chart
type Point struct {
	Timestamp int64 `json:"timestamp"`
	Packets   int   `json:"packets"`
	Bandwidth int   `json:"bandwidth"`
}

// Packet is an observed event together with the severity its decision assigned
type Packet struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	SourceIP      string         `json:"source_ip"`
	DestinationIP string         `json:"destination_ip"`
	Protocol      model.Protocol `json:"protocol"`
	Size          int            `json:"size"`
	Payload       string         `json:"payload"`
	Severity      model.Severity `json:"severity"`
	Flagged       bool           `json:"flagged"`
	Flags         []string       `json:"flags,omitempty"`
	Port          *int           `json:"port,omitempty"`
	TTL           *int           `json:"ttl,omitempty"`
	Checksum      *string        `json:"checksum,omitempty"`
}

// PacketQuery selects packets from the log
type PacketQuery struct {
	// Search matches source or destination address by substring, or protocol case-insensitively
	Search   string
	Protocol model.Protocol
	Limit    int
}

type bucket struct {
	second  int64
	packets int
	bytes   int
}

// Recorder keeps per-second traffic counters and a bounded log of recent packets
type Recorder struct {
	mu      sync.Mutex
	buckets []bucket
	packets []Packet
	head    int
	count   int
	now     func() time.Time
}

// NewRecorder creates a recorder keeping bucketCount seconds of counters and
// the last packetLogSize packets.
func NewRecorder(bucketCount, packetLogSize int) (*Recorder, error) {
	if bucketCount <= 0 || packetLogSize <= 0 {
		return nil, fmt.Errorf("bucket count and packet log size must be positive")
	}
	return &Recorder{
		buckets: make([]bucket, bucketCount),
		packets: make([]Packet, packetLogSize),
		now:     time.Now,
	}, nil
}

// Record accounts one event. severity is the severity of the resulting finding,
// or low when the event was clean.
func (r *Recorder) Record(ev *model.NetworkEvent, severity model.Severity, flagged bool) {
	if ev == nil {
		return
	}
	if !severity.Valid() {
		severity = model.SeverityLow
	}

	p := Packet{
		ID:            ev.ID,
		Timestamp:     ev.Timestamp,
		SourceIP:      ev.SourceIP,
		DestinationIP: ev.DestinationIP,
		Protocol:      ev.Protocol,
		Size:          ev.Size,
		Payload:       model.FormatHex(ev.Payload),
		Severity:      severity,
		Flagged:       flagged,
		Flags:         ev.Flags,
		Port:          ev.Port,
		TTL:           ev.TTL,
		Checksum:      ev.Checksum,
	}

	sec := r.now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	b := &r.buckets[int(sec%int64(len(r.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.packets++
	b.bytes += ev.Size

	r.packets[r.head] = p
	r.head = (r.head + 1) % len(r.packets)
	if r.count < len(r.packets) {
		r.count++
	}
}

// Series returns the last n seconds of traffic, oldest first, zero-filled
func (r *Recorder) Series(n int) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.buckets) {
		n = len(r.buckets)
	}

	end := r.now().Unix()
	out := make([]Point, 0, n)
	for sec := end - int64(n) + 1; sec <= end; sec++ {
		p := Point{Timestamp: sec * 1000}
		if b := r.buckets[int(sec%int64(len(r.buckets)))]; b.second == sec {
			p.Packets = b.packets
			p.Bandwidth = b.bytes
		}
		out = append(out, p)
	}
	return out
}

// Packets returns packets matching q, newest first
func (r *Recorder) Packets(q PacketQuery) []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	search := strings.TrimSpace(q.Search)
	lower := strings.ToLower(search)

	var out []Packet
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.packets)) % len(r.packets)
		p := r.packets[idx]

		if search != "" &&
			!strings.Contains(p.SourceIP, search) &&
			!strings.Contains(p.DestinationIP, search) &&
			!strings.Contains(strings.ToLower(string(p.Protocol)), lower) {
			continue
		}
		if q.Protocol != "" && !strings.EqualFold(string(p.Protocol), string(q.Protocol)) {
			continue
		}

		out = append(out, p)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Export writes the packets matching q as newline-delimited JSON
func (r *Recorder) Export(w io.Writer, q PacketQuery) (int, error) {
	packets := r.Packets(q)

	enc := json.NewEncoder(w)
	for i, p := range packets {
		if err := enc.Encode(p); err != nil {
			return i, fmt.Errorf("failed to encode packet %s: %w", p.ID, err)
		}
	}
	return len(packets), nil
}
