package model

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol is the transport protocol of an observed event
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
)

// ParseProtocol normalizes a protocol name, accepting any letter case
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, true
	case ProtocolUDP:
		return ProtocolUDP, true
	case ProtocolICMP:
		return ProtocolICMP, true
	default:
		return "", false
	}
}

// Severity is the finding severity. Ordering is total: low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns the numeric rank of the severity, 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is greater than or equal to other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a severity name, accepting any letter case
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// Status is the operator-driven lifecycle state of a finding
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// CanTransitionTo reports whether an operator may move a finding from s to next
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusInvestigating || next == StatusResolved
	case StatusInvestigating:
		return next == StatusResolved
	default:
		return false
	}
}

// NetworkEvent is a single observed network event. It is never modified after capture.
type NetworkEvent struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceIP      string    `json:"source_ip"`
	DestinationIP string    `json:"destination_ip"`
	Protocol      Protocol  `json:"protocol"`
	Size          int       `json:"size"`
	Payload       []byte    `json:"payload,omitempty"`
	Port          *int      `json:"port,omitempty"`
	TTL           *int      `json:"ttl,omitempty"`
	Checksum      *string   `json:"checksum,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
}

// Validate checks the fields the classifier depends on
func (e *NetworkEvent) Validate() error {
	if e == nil {
		return &ValidationError{Field: "event", Message: "event is required", Err: ErrInvalidEvent}
	}

	if _, err := netip.ParseAddr(e.SourceIP); err != nil {
		return &ValidationError{Field: "source_ip", Message: fmt.Sprintf("invalid address %q", e.SourceIP), Err: ErrInvalidEvent}
	}

	if _, err := netip.ParseAddr(e.DestinationIP); err != nil {
		return &ValidationError{Field: "destination_ip", Message: fmt.Sprintf("invalid address %q", e.DestinationIP), Err: ErrInvalidEvent}
	}

	if _, ok := ParseProtocol(string(e.Protocol)); !ok {
		return &ValidationError{Field: "protocol", Message: fmt.Sprintf("unsupported protocol %q, must be TCP/UDP/ICMP", e.Protocol), Err: ErrInvalidEvent}
	}

	if e.Size < 0 {
		return &ValidationError{Field: "size", Message: "size must be non-negative", Err: ErrInvalidEvent}
	}

	if e.Port != nil && (*e.Port < 0 || *e.Port > 65535) {
		return &ValidationError{Field: "port", Message: "port must be between 0 and 65535", Err: ErrInvalidEvent}
	}

	if e.TTL != nil && (*e.TTL < 0 || *e.TTL > 255) {
		return &ValidationError{Field: "ttl", Message: "ttl must be between 0 and 255", Err: ErrInvalidEvent}
	}

	return nil
}

// HasFlag reports whether the event carries the given protocol flag
func (e *NetworkEvent) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Finding is a classifier determination that an event is suspicious.
// It is displayed on the dashboard as an intrusion alert.
type Finding struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceIP      string    `json:"source_ip"`
	DestinationIP string    `json:"destination_ip"`
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	Severity      Severity  `json:"severity"`
	Status        Status    `json:"status"`
	EventID       string    `json:"event_id"`
	SignatureID   string    `json:"signature_id"`
}

// BlockEntry is a blocked source address. There is at most one entry per address.
type BlockEntry struct {
	Address     string    `json:"address"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	BlockedAt   time.Time `json:"blocked_at"`
	Severity    Severity  `json:"severity"`
	AutoBlocked bool      `json:"auto_blocked"`
	Version     int64     `json:"version"`
}

// Provenance returns "auto" or "manual"
func (b BlockEntry) Provenance() string {
	if b.AutoBlocked {
		return "auto"
	}
	return "manual"
}

const (
	MinSensitivity = 1.0
	MaxSensitivity = 10.0
)

// Settings is the operator configuration for detection and response.
// Values are replaced whole on save, never merged field by field.
type Settings struct {
	Sensitivity float64   `json:"sensitivity"`
	AutoBlock   bool      `json:"auto_block"`
	AllowedIPs  []string  `json:"allowed_ips"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the settings
func (s Settings) Clone() Settings {
	c := s
	if s.AllowedIPs != nil {
		c.AllowedIPs = make([]string, len(s.AllowedIPs))
		copy(c.AllowedIPs, s.AllowedIPs)
	}
	return c
}

// SensitivityLabel returns the dashboard band for a sensitivity value
func SensitivityLabel(value float64) string {
	if value <= 3 {
		return "Low"
	}
	if value <= 7 {
		return "Medium"
	}
	return "High"
}

// MarshalJSON keeps the payload readable for dashboards that show it as hex
func (e NetworkEvent) MarshalJSON() ([]byte, error) {
	type alias NetworkEvent
	return json.Marshal(struct {
		alias
		PayloadHex string `json:"payload_hex,omitempty"`
	}{
		alias:      alias(e),
		PayloadHex: FormatHex(e.Payload),
	})
}

// FormatHex renders bytes as space separated lowercase hex pairs ("48 65 6c")
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const digits = "0123456789abcdef"
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(digits[c>>4])
		sb.WriteByte(digits[c&0x0f])
	}
	return sb.String()
}
