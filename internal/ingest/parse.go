package ingest

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/secureflow/secureflow-ids/internal/model"
)

//go:embed schema/network_event.json
var eventSchema []byte

const schemaURL = "network_event.json"

// wireEvent is the accepted JSON shape. Both snake_case and the dashboard's
// camelCase address keys are accepted.
type wireEvent struct {
	ID              string          `json:"id"`
	Timestamp       json.RawMessage `json:"timestamp"`
	SourceIP        string          `json:"source_ip"`
	SourceIPAlt     string          `json:"sourceIp"`
	DestinationIP   string          `json:"destination_ip"`
	DestinationAlt  string          `json:"destinationIp"`
	Protocol        string          `json:"protocol"`
	Size            *int            `json:"size"`
	Payload         string          `json:"payload"`
	PayloadEncoding string          `json:"payload_encoding"`
	Port            *int            `json:"port"`
	TTL             *int            `json:"ttl"`
	Checksum        *string         `json:"checksum"`
	Flags           []string        `json:"flags"`
}

// Parser validates raw JSON events against the embedded schema and converts
// them into NetworkEvents
type Parser struct {
	schema *jsonschema.Schema
	now    func() time.Time
	newID  func() string
}

// NewParser compiles the embedded event schema
func NewParser() (*Parser, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Parser{
		schema: schema,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// Parse decodes and validates one event. Every failure wraps model.ErrInvalidEvent.
func (p *Parser) Parse(data []byte) (*model.NetworkEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("body", fmt.Sprintf("malformed JSON: %v", err))
	}

	if err := p.schema.Validate(doc); err != nil {
		return nil, invalid("event", schemaMessage(err))
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, invalid("body", err.Error())
	}

	ev := &model.NetworkEvent{
		ID:            strings.TrimSpace(w.ID),
		SourceIP:      firstNonEmpty(w.SourceIP, w.SourceIPAlt),
		DestinationIP: firstNonEmpty(w.DestinationIP, w.DestinationAlt),
		Port:          w.Port,
		TTL:           w.TTL,
		Checksum:      w.Checksum,
		Flags:         w.Flags,
	}
	if ev.ID == "" {
		ev.ID = p.newID()
	}

	proto, ok := model.ParseProtocol(w.Protocol)
	if !ok {
		return nil, invalid("protocol", fmt.Sprintf("unsupported protocol %q, must be TCP/UDP/ICMP", w.Protocol))
	}
	ev.Protocol = proto

	ts, err := p.parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, invalid("timestamp", err.Error())
	}
	ev.Timestamp = ts

	payload, err := decodePayload(w.Payload, w.PayloadEncoding)
	if err != nil {
		return nil, invalid("payload", err.Error())
	}
	ev.Payload = payload

	if w.Size != nil {
		ev.Size = *w.Size
	} else {
		ev.Size = len(payload)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// parseTimestamp accepts RFC 3339 strings and unix times in seconds or
// milliseconds. A missing timestamp means "now".
func (p *Parser) parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return p.now().UTC(), nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q, expected RFC 3339", str)
		}
		return t.UTC(), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	if n < 0 || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("invalid timestamp %v", n)
	}
	// values beyond the year 33658 in seconds are taken as milliseconds
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return time.Unix(int64(n), 0).UTC(), nil
}

// decodePayload decodes the payload string according to encoding. Without an
// explicit encoding the payload is raw text, even when it looks like hex or base64.
func decodePayload(s, encoding string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	switch encoding {
	case "hex":
		// spaced pairs as shown in the dashboard packet inspector ("48 65 6c") are accepted
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
		return b, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

func schemaMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		// report the most specific cause
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		if ve.InstanceLocation != "" {
			return ve.InstanceLocation + ": " + ve.Message
		}
		return ve.Message
	}
	return err.Error()
}

func invalid(field, message string) error {
	return &model.ValidationError{Field: field, Message: message, Err: model.ErrInvalidEvent}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
