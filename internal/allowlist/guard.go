package allowlist

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/secureflow/secureflow-ids/internal/model"
)

// Guard answers whether an address is exempt from automatic blocking.
// A Guard is immutable; a new one is compiled for every settings snapshot.
type Guard struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	entries  []string
}

// Normalize parses and canonicalizes allow-list entries, preserving the order of
// first occurrence and dropping duplicates. Entries may be addresses or CIDR prefixes.
func Normalize(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for i, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		canonical, err := canonicalEntry(entry)
		if err != nil {
			return nil, &model.ValidationError{
				Field:   fmt.Sprintf("allowed_ips[%d]", i),
				Message: err.Error(),
				Err:     model.ErrInvalidSettings,
			}
		}

		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}

	return out, nil
}

// New compiles a guard from allow-list entries
func New(entries []string) (*Guard, error) {
	normalized, err := Normalize(entries)
	if err != nil {
		return nil, err
	}

	g := &Guard{
		addrs:   make(map[netip.Addr]struct{}, len(normalized)),
		entries: normalized,
	}

	for _, entry := range normalized {
		if strings.Contains(entry, "/") {
			// canonicalEntry already validated the prefix
			g.prefixes = append(g.prefixes, netip.MustParsePrefix(entry))
			continue
		}
		g.addrs[netip.MustParseAddr(entry)] = struct{}{}
	}

	return g, nil
}

// IsExempt reports whether address is covered by the allow-list.
// Unparseable addresses are never exempt.
func (g *Guard) IsExempt(address string) bool {
	if g == nil {
		return false
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if _, ok := g.addrs[addr]; ok {
		return true
	}

	for _, p := range g.prefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// Entries returns the normalized allow-list in display order
func (g *Guard) Entries() []string {
	if g == nil {
		return nil
	}
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// Len returns the number of allow-list entries
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

func canonicalEntry(entry string) (string, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR %q", entry)
		}
		return prefix.Masked().String(), nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return "", fmt.Errorf("invalid address %q", entry)
	}
	return addr.Unmap().String(), nil
}

// CanonicalAddress parses address and returns its canonical string form
func CanonicalAddress(address string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidAddress, address)
	}
	return addr.Unmap().String(), nil
}
