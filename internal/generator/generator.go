package generator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Event is a network event in the ingest wire format
type Event struct {
	ID              string   `json:"id"`
	Timestamp       string   `json:"timestamp"`
	SourceIP        string   `json:"source_ip"`
	DestinationIP   string   `json:"destination_ip"`
	Protocol        string   `json:"protocol"`
	Size            int      `json:"size"`
	Payload         string   `json:"payload,omitempty"`
	PayloadEncoding string   `json:"payload_encoding,omitempty"`
	Port            *int     `json:"port,omitempty"`
	TTL             *int     `json:"ttl,omitempty"`
	Flags           []string `json:"flags,omitempty"`
	// Kind names the traffic pattern that produced the event. It is not part of the wire format.
	Kind string `json:"-"`
}

// Traffic kinds
const (
	KindBenign       = "benign"
	KindSQLInjection = "sql_injection"
	KindXmasScan     = "xmas_scan"
	KindICMPTunnel   = "icmp_tunnel"
	KindPortScan     = "port_scan"
)

var (
	clientIPs = []string{
		"10.0.0.5", "10.0.1.12", "172.16.0.50", "10.0.2.23",
		"10.0.3.44", "10.1.0.15", "10.2.5.200", "192.168.0.10",
		"192.168.10.25", "192.168.50.75", "172.16.1.10", "172.16.2.20",
	}

	serverIPs = []string{
		"10.0.0.1", "10.0.5.55", "10.10.10.10", "10.20.30.40",
		"172.16.100.1", "192.168.100.100",
	}

	attackerIPs = []string{
		"192.168.1.100", "192.168.1.99", "203.0.113.45",
		"198.51.100.25", "192.0.2.10",
	}

	servicePorts = []int{80, 443, 443, 443, 22, 53, 8080}

	paths = []string{
		"/", "/index.html", "/api/v1/orders", "/login", "/static/app.js",
		"/search?q=shoes", "/healthz", "/images/logo.png",
	}

	sqlPayloads = []string{
		"GET /login?user=admin' OR '1'='1 HTTP/1.1",
		"GET /products?id=1 UNION SELECT username, password FROM users HTTP/1.1",
		"POST /search HTTP/1.1\r\n\r\nq=x'; DROP TABLE orders; --",
	}

	benignFlags = [][]string{{"ACK", "PSH"}, {"SYN", "ACK"}, {"ACK"}, {"SYN"}}
)

// Mix sets how often each attack pattern is injected into the benign stream.
// Each probability is evaluated per event.
type Mix struct {
	SQLInjection float64
	XmasScan     float64
	ICMPTunnel   float64
}

// Generator produces synthetic traffic. A Generator is not safe for
// concurrent use; give each worker its own.
type Generator struct {
	rand  *rand.Rand
	mix   Mix
	chaos bool
	now   func() time.Time
}

// New creates a generator seeded with seed. With chaos false only benign traffic is produced.
func New(seed int64, chaos bool, mix Mix) *Generator {
	return &Generator{
		rand:  rand.New(rand.NewSource(seed)),
		mix:   mix,
		chaos: chaos,
		now:   time.Now,
	}
}

// Next returns the next event of the stream
func (g *Generator) Next() Event {
	if g.chaos {
		roll := g.rand.Float64()
		switch {
		case roll < g.mix.SQLInjection:
			return g.SQLInjection()
		case roll < g.mix.SQLInjection+g.mix.XmasScan:
			return g.XmasScan()
		case roll < g.mix.SQLInjection+g.mix.XmasScan+g.mix.ICMPTunnel:
			return g.ICMPTunnel()
		}
	}
	return g.Benign()
}

// Benign returns an ordinary client request
func (g *Generator) Benign() Event {
	port := servicePorts[g.rand.Intn(len(servicePorts))]
	ttl := 64 - g.rand.Intn(20)

	ev := g.base(KindBenign, clientIPs[g.rand.Intn(len(clientIPs))], serverIPs[g.rand.Intn(len(serverIPs))])
	ev.Port = &port
	ev.TTL = &ttl

	switch port {
	case 53:
		ev.Protocol = "UDP"
		ev.Size = 60 + g.rand.Intn(200)
	case 80, 8080:
		ev.Protocol = "TCP"
		ev.Payload = fmt.Sprintf("GET %s HTTP/1.1", paths[g.rand.Intn(len(paths))])
		ev.PayloadEncoding = "raw"
		ev.Size = len(ev.Payload) + 40 + g.rand.Intn(400)
		ev.Flags = []string{"ACK", "PSH"}
	default:
		ev.Protocol = "TCP"
		ev.Size = 60 + g.rand.Intn(1400)
		ev.Flags = benignFlags[g.rand.Intn(len(benignFlags))]
	}
	return ev
}

// SQLInjection returns an HTTP request carrying a SQL injection payload
func (g *Generator) SQLInjection() Event {
	port := 80
	ttl := 64

	ev := g.base(KindSQLInjection, attackerIPs[g.rand.Intn(len(attackerIPs))], serverIPs[g.rand.Intn(len(serverIPs))])
	ev.Protocol = "TCP"
	ev.Port = &port
	ev.TTL = &ttl
	ev.Flags = []string{"ACK", "PSH"}
	ev.Payload = sqlPayloads[g.rand.Intn(len(sqlPayloads))]
	ev.PayloadEncoding = "raw"
	ev.Size = len(ev.Payload) + 40
	return ev
}

// XmasScan returns a probe with FIN, PSH and URG set
func (g *Generator) XmasScan() Event {
	port := 1 + g.rand.Intn(1024)
	ttl := 40 + g.rand.Intn(24)

	ev := g.base(KindXmasScan, attackerIPs[g.rand.Intn(len(attackerIPs))], serverIPs[g.rand.Intn(len(serverIPs))])
	ev.Protocol = "TCP"
	ev.Port = &port
	ev.TTL = &ttl
	ev.Flags = []string{"FIN", "PSH", "URG"}
	ev.Size = 40
	return ev
}

// ICMPTunnel returns an echo request with an oversized payload
func (g *Generator) ICMPTunnel() Event {
	ttl := 64
	payload := make([]byte, 600+g.rand.Intn(800))
	g.rand.Read(payload)

	ev := g.base(KindICMPTunnel, attackerIPs[g.rand.Intn(len(attackerIPs))], serverIPs[g.rand.Intn(len(serverIPs))])
	ev.Protocol = "ICMP"
	ev.TTL = &ttl
	ev.Payload = fmt.Sprintf("%x", payload)
	ev.PayloadEncoding = "hex"
	ev.Size = len(payload) + 28
	return ev
}

// PortScan returns bare SYN probes from one attacker to ports [from, to) of target
func (g *Generator) PortScan(attacker, target string, from, to int) []Event {
	events := make([]Event, 0, to-from)
	for port := from; port < to; port++ {
		p := port
		ttl := 64
		ev := g.base(KindPortScan, attacker, target)
		ev.Protocol = "TCP"
		ev.Port = &p
		ev.TTL = &ttl
		ev.Flags = []string{"SYN"}
		ev.Size = 64
		events = append(events, ev)
	}
	return events
}

// Attacker returns a random attacker address
func (g *Generator) Attacker() string {
	return attackerIPs[g.rand.Intn(len(attackerIPs))]
}

// Target returns a random server address
func (g *Generator) Target() string {
	return serverIPs[g.rand.Intn(len(serverIPs))]
}

func (g *Generator) base(kind, src, dst string) Event {
	return Event{
		ID:            uuid.New().String(),
		Timestamp:     g.now().UTC().Format(time.RFC3339Nano),
		SourceIP:      src,
		DestinationIP: dst,
		Kind:          kind,
	}
}
