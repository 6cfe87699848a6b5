package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/secureflow/secureflow-ids/internal/model"
)

// Selector narrows which events a signature is evaluated against
type Selector struct {
	Protocols        []string `yaml:"protocols" json:"protocols,omitempty"`
	Ports            []int    `yaml:"ports" json:"ports,omitempty"`
	SourceCIDRs      []string `yaml:"source_cidrs" json:"source_cidrs,omitempty"`
	DestinationCIDRs []string `yaml:"destination_cidrs" json:"destination_cidrs,omitempty"`
	ExcludeSources   []string `yaml:"exclude_sources" json:"exclude_sources,omitempty"`
}

// Match holds the content conditions of a signature. Every populated
// condition must hold for the signature to fire.
type Match struct {
	PayloadRegex    string   `yaml:"payload_regex" json:"payload_regex,omitempty"`
	PayloadContains []string `yaml:"payload_contains" json:"payload_contains,omitempty"`
	FlagsAll        []string `yaml:"flags_all" json:"flags_all,omitempty"`
}

// Signature is a high-confidence detection rule loaded from YAML
type Signature struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description"`
	Severity    string   `yaml:"severity" json:"severity"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Selectors   Selector `yaml:"selectors" json:"selectors"`
	Match       Match    `yaml:"match" json:"match"`
	SourceFile  string   `yaml:"-" json:"source_file"`
}

// SignatureFile is the on-disk layout of a signature file
type SignatureFile struct {
	Signatures []Signature `yaml:"signatures"`
}

// ValidationError represents a signature validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks if a signature is complete and compilable
func (s *Signature) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Message: "signature ID is required"}
	}
	if s.Name == "" {
		return &ValidationError{Field: "name", Message: "signature name is required"}
	}
	if s.Type == "" {
		return &ValidationError{Field: "type", Message: "finding type is required"}
	}
	if _, ok := model.ParseSeverity(s.Severity); !ok {
		return &ValidationError{Field: "severity", Message: "invalid severity, must be low/medium/high"}
	}

	m := s.Match
	if m.PayloadRegex == "" && len(m.PayloadContains) == 0 && len(m.FlagsAll) == 0 {
		return &ValidationError{Field: "match", Message: "at least one match condition is required"}
	}
	if m.PayloadRegex != "" {
		if _, err := regexp.Compile(m.PayloadRegex); err != nil {
			return &ValidationError{Field: "match.payload_regex", Message: err.Error()}
		}
	}

	for _, p := range s.Selectors.Protocols {
		if _, ok := model.ParseProtocol(p); !ok {
			return &ValidationError{Field: "selectors.protocols", Message: fmt.Sprintf("unknown protocol %q", p)}
		}
	}
	for _, port := range s.Selectors.Ports {
		if port < 0 || port > 65535 {
			return &ValidationError{Field: "selectors.ports", Message: fmt.Sprintf("port %d out of range", port)}
		}
	}
	for _, c := range append(append([]string{}, s.Selectors.SourceCIDRs...), s.Selectors.DestinationCIDRs...) {
		if _, err := netip.ParsePrefix(c); err != nil {
			return &ValidationError{Field: "selectors", Message: fmt.Sprintf("invalid CIDR %q", c)}
		}
	}
	for _, a := range s.Selectors.ExcludeSources {
		if _, err := netip.ParseAddr(a); err != nil {
			return &ValidationError{Field: "selectors.exclude_sources", Message: fmt.Sprintf("invalid address %q", a)}
		}
	}

	return nil
}

// compiledSignature is a validated signature with its selectors parsed
type compiledSignature struct {
	Signature
	severity  model.Severity
	re        *regexp.Regexp
	contains  [][]byte
	protocols map[model.Protocol]struct{}
	ports     map[int]struct{}
	srcNets   []netip.Prefix
	dstNets   []netip.Prefix
	excluded  map[netip.Addr]struct{}
}

func compileSignature(s Signature) (*compiledSignature, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	sev, _ := model.ParseSeverity(s.Severity)
	c := &compiledSignature{
		Signature: s,
		severity:  sev,
		protocols: make(map[model.Protocol]struct{}),
		ports:     make(map[int]struct{}),
		excluded:  make(map[netip.Addr]struct{}),
	}

	if s.Match.PayloadRegex != "" {
		c.re = regexp.MustCompile(s.Match.PayloadRegex)
	}
	for _, needle := range s.Match.PayloadContains {
		c.contains = append(c.contains, []byte(strings.ToLower(needle)))
	}
	for _, p := range s.Selectors.Protocols {
		proto, _ := model.ParseProtocol(p)
		c.protocols[proto] = struct{}{}
	}
	for _, port := range s.Selectors.Ports {
		c.ports[port] = struct{}{}
	}
	for _, cidr := range s.Selectors.SourceCIDRs {
		c.srcNets = append(c.srcNets, netip.MustParsePrefix(cidr).Masked())
	}
	for _, cidr := range s.Selectors.DestinationCIDRs {
		c.dstNets = append(c.dstNets, netip.MustParsePrefix(cidr).Masked())
	}
	for _, a := range s.Selectors.ExcludeSources {
		c.excluded[netip.MustParseAddr(a).Unmap()] = struct{}{}
	}

	return c, nil
}

// SignatureSet is an immutable snapshot of loaded signatures
type SignatureSet struct {
	Signatures []*compiledSignature
	Version    int64
}

// List returns the signature definitions in evaluation order
func (s *SignatureSet) List() []Signature {
	if s == nil {
		return nil
	}
	out := make([]Signature, len(s.Signatures))
	for i, c := range s.Signatures {
		out[i] = c.Signature
	}
	return out
}

// Len returns the number of signatures in the set
func (s *SignatureSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Signatures)
}
