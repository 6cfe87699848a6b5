package rules

import (
	"bytes"
	"net/netip"

	"github.com/secureflow/secureflow-ids/internal/model"
)

// Matcher handles signature matching logic for events
type Matcher struct{}

// NewMatcher creates a new signature matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Matches reports whether a compiled signature fires for the event
func (m *Matcher) Matches(sig *compiledSignature, ev *model.NetworkEvent) bool {
	return m.selects(sig, ev) && m.content(sig, ev)
}

// selects checks the selector part of a signature
func (m *Matcher) selects(sig *compiledSignature, ev *model.NetworkEvent) bool {
	src, srcErr := netip.ParseAddr(ev.SourceIP)
	dst, dstErr := netip.ParseAddr(ev.DestinationIP)
	if srcErr != nil || dstErr != nil {
		return false
	}
	src, dst = src.Unmap(), dst.Unmap()

	// exclusions take priority over every positive selector
	if _, excluded := sig.excluded[src]; excluded {
		return false
	}

	if len(sig.protocols) > 0 {
		proto, _ := model.ParseProtocol(string(ev.Protocol))
		if _, ok := sig.protocols[proto]; !ok {
			return false
		}
	}

	if len(sig.ports) > 0 {
		if ev.Port == nil {
			return false
		}
		if _, ok := sig.ports[*ev.Port]; !ok {
			return false
		}
	}

	if len(sig.srcNets) > 0 && !containedIn(src, sig.srcNets) {
		return false
	}
	if len(sig.dstNets) > 0 && !containedIn(dst, sig.dstNets) {
		return false
	}

	return true
}

// content checks the match conditions of a signature
func (m *Matcher) content(sig *compiledSignature, ev *model.NetworkEvent) bool {
	if sig.re != nil && !sig.re.Match(ev.Payload) {
		return false
	}

	if len(sig.contains) > 0 {
		lower := bytes.ToLower(ev.Payload)
		for _, needle := range sig.contains {
			if !bytes.Contains(lower, needle) {
				return false
			}
		}
	}

	for _, flag := range sig.Match.FlagsAll {
		if !ev.HasFlag(flag) {
			return false
		}
	}

	return true
}

func containedIn(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
