package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// Band is a detection tier selected by sensitivity
type Band int

const (
	BandLow Band = iota + 1
	BandMedium
	BandHigh
)

func (b Band) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandMedium:
		return "medium"
	case BandHigh:
		return "high"
	default:
		return "unknown"
	}
}

// BandFor maps a sensitivity value to its detection band, using the same
// cut-offs as the dashboard label.
func BandFor(sensitivity float64) Band {
	if sensitivity <= 3 {
		return BandLow
	}
	if sensitivity <= 7 {
		return BandMedium
	}
	return BandHigh
}

// Thresholds configures the statistical and borderline detectors. Count
// thresholds apply as-is at sensitivity 5 and are scaled for other values.
type Thresholds struct {
	Window              time.Duration
	PortScanPorts       int
	FloodEvents         int
	SynFloodEvents      int
	ICMPPayloadBytes    int
	LowTTL              int
	OversizedFrameBytes int
	SuspiciousPorts     []int
}

// DefaultThresholds returns the thresholds used when none are configured
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:              10 * time.Second,
		PortScanPorts:       15,
		FloodEvents:         500,
		SynFloodEvents:      200,
		ICMPPayloadBytes:    1024,
		LowTTL:              5,
		OversizedFrameBytes: 1514,
		SuspiciousPorts:     []int{4444, 5555, 6666, 7777, 8888, 9999},
	}
}

// Validate checks the thresholds for usable values
func (t Thresholds) Validate() error {
	if t.Window <= 0 {
		return &ValidationError{Field: "window", Message: "window must be positive"}
	}
	if t.PortScanPorts <= 0 || t.FloodEvents <= 0 || t.SynFloodEvents <= 0 {
		return &ValidationError{Field: "thresholds", Message: "count thresholds must be positive"}
	}
	if t.ICMPPayloadBytes <= 0 || t.OversizedFrameBytes <= 0 {
		return &ValidationError{Field: "thresholds", Message: "byte thresholds must be positive"}
	}
	if t.LowTTL < 0 || t.LowTTL > 255 {
		return &ValidationError{Field: "low_ttl", Message: "low_ttl must be between 0 and 255"}
	}
	return nil
}

// Detector identifiers of the built-in statistical and borderline checks.
// Overrides can target them the same way as signature ids.
const (
	DetectorPortScan       = "port-scan"
	DetectorSynFlood       = "syn-flood"
	DetectorTrafficFlood   = "traffic-flood"
	DetectorSuspiciousPort = "suspicious-port"
	DetectorICMPOversized  = "icmp-oversized"
	DetectorLowTTL         = "low-ttl"
	DetectorOversizedFrame = "oversized-frame"
)

// DetectorInfo describes a built-in detector
type DetectorInfo struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Band     string         `json:"band"`
	Severity model.Severity `json:"severity"`
}

var builtinDetectors = []DetectorInfo{
	{ID: DetectorPortScan, Type: "Port Scan", Band: BandMedium.String(), Severity: model.SeverityMedium},
	{ID: DetectorSynFlood, Type: "SYN Flood", Band: BandMedium.String(), Severity: model.SeverityHigh},
	{ID: DetectorTrafficFlood, Type: "Traffic Flood", Band: BandMedium.String(), Severity: model.SeverityMedium},
	{ID: DetectorSuspiciousPort, Type: "Suspicious Port Access", Band: BandHigh.String(), Severity: model.SeverityLow},
	{ID: DetectorICMPOversized, Type: "Oversized ICMP Payload", Band: BandHigh.String(), Severity: model.SeverityMedium},
	{ID: DetectorLowTTL, Type: "Abnormal TTL", Band: BandHigh.String(), Severity: model.SeverityLow},
	{ID: DetectorOversizedFrame, Type: "Oversized Frame", Band: BandHigh.String(), Severity: model.SeverityLow},
}

func detectorInfo(id string) DetectorInfo {
	for _, d := range builtinDetectors {
		if d.ID == id {
			return d
		}
	}
	return DetectorInfo{ID: id, Type: id, Severity: model.SeverityLow}
}

// SignatureSource supplies the current signature set
type SignatureSource interface {
	Snapshot() *SignatureSet
}

// Classifier maps an event and a sensitivity to at most one finding.
// Its only state is the per-source sliding window.
type Classifier struct {
	signatures SignatureSource
	overrides  *OverrideManager
	matcher    *Matcher
	window     *WindowBuffer
	thresholds Thresholds
	suspicious map[int]struct{}
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewClassifier creates a classifier. overrides may be nil.
func NewClassifier(signatures SignatureSource, overrides *OverrideManager, thresholds Thresholds, logger *slog.Logger) *Classifier {
	c := &Classifier{
		signatures: signatures,
		overrides:  overrides,
		matcher:    NewMatcher(),
		window:     NewWindowBuffer(thresholds.Window),
		thresholds: thresholds,
		suspicious: make(map[int]struct{}, len(thresholds.SuspiciousPorts)),
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, p := range thresholds.SuspiciousPorts {
		c.suspicious[p] = struct{}{}
	}
	return c
}

// Window exposes the sliding window so its GC can be started and stopped
func (c *Classifier) Window() *WindowBuffer {
	return c.window
}

// Detectors lists the built-in detectors
func (c *Classifier) Detectors() []DetectorInfo {
	out := make([]DetectorInfo, len(builtinDetectors))
	copy(out, builtinDetectors)
	return out
}

// candidate is one matching detector before overrides and selection
type candidate struct {
	id          string
	kind        string
	description string
	severity    model.Severity
}

// Classify evaluates ev at the given sensitivity. It returns nil, nil when
// nothing matches and an error wrapping model.ErrInvalidEvent when the event
// lacks valid addresses or protocol.
//
// Every valid event is recorded in the sliding window regardless of
// sensitivity, so the statistics do not depend on the sensitivity history.
func (c *Classifier) Classify(ev *model.NetworkEvent, sensitivity float64) (*model.Finding, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	observed := *ev
	if observed.Timestamp.IsZero() {
		observed.Timestamp = c.now().UTC()
	}
	stats := c.window.Observe(&observed)

	band := BandFor(sensitivity)
	scaler := newThresholdScaler(sensitivity)

	var candidates []candidate
	candidates = append(candidates, c.matchSignatures(&observed)...)
	if band >= BandMedium {
		candidates = append(candidates, c.statistical(stats, scaler)...)
	}
	if band >= BandHigh {
		candidates = append(candidates, c.borderline(&observed)...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var overrides []Override
	if c.overrides != nil {
		overrides = c.overrides.List()
	}

	var best *candidate
	for i := range candidates {
		cand := &candidates[i]
		enabled, severity := applyOverrides(overrides, cand.id, cand.severity)
		if !enabled {
			continue
		}
		cand.severity = severity
		if best == nil || cand.severity.Rank() > best.severity.Rank() {
			best = cand
		}
	}
	if best == nil {
		return nil, nil
	}

	finding := &model.Finding{
		ID:            c.newID(),
		Timestamp:     c.now().UTC(),
		SourceIP:      ev.SourceIP,
		DestinationIP: ev.DestinationIP,
		Type:          best.kind,
		Description:   best.description,
		Severity:      best.severity,
		Status:        model.StatusNew,
		EventID:       ev.ID,
		SignatureID:   best.id,
	}

	c.logger.Debug("Event classified",
		"event_id", ev.ID,
		"source_ip", ev.SourceIP,
		"signature_id", best.id,
		"severity", best.severity,
		"band", band.String(),
		"candidates", len(candidates))

	return finding, nil
}

func (c *Classifier) matchSignatures(ev *model.NetworkEvent) []candidate {
	if c.signatures == nil {
		return nil
	}

	var out []candidate
	for _, sig := range c.signatures.Snapshot().Signatures {
		if !c.matcher.Matches(sig, ev) {
			continue
		}
		out = append(out, candidate{
			id:          sig.ID,
			kind:        sig.Type,
			description: sig.Description,
			severity:    sig.severity,
		})
	}
	return out
}

func (c *Classifier) statistical(stats WindowStats, scaler thresholdScaler) []candidate {
	var out []candidate
	window := c.thresholds.Window

	if limit := scaler.scaleInt(c.thresholds.PortScanPorts); stats.DistinctPorts >= limit {
		out = append(out, c.builtin(DetectorPortScan,
			fmt.Sprintf("Sequential port scan detected: %d distinct ports within %s", stats.DistinctPorts, window)))
	}
	if limit := scaler.scaleInt(c.thresholds.SynFloodEvents); stats.SynEvents >= limit {
		out = append(out, c.builtin(DetectorSynFlood,
			fmt.Sprintf("%d SYN packets without ACK within %s", stats.SynEvents, window)))
	}
	if limit := scaler.scaleInt(c.thresholds.FloodEvents); stats.Events >= limit {
		out = append(out, c.builtin(DetectorTrafficFlood,
			fmt.Sprintf("%d packets from one source within %s", stats.Events, window)))
	}

	return out
}

func (c *Classifier) borderline(ev *model.NetworkEvent) []candidate {
	var out []candidate

	if ev.Port != nil {
		if _, ok := c.suspicious[*ev.Port]; ok {
			out = append(out, c.builtin(DetectorSuspiciousPort,
				fmt.Sprintf("Connection to commonly abused port %d", *ev.Port)))
		}
	}

	proto, _ := model.ParseProtocol(string(ev.Protocol))
	if proto == model.ProtocolICMP && len(ev.Payload) > c.thresholds.ICMPPayloadBytes {
		out = append(out, c.builtin(DetectorICMPOversized,
			fmt.Sprintf("ICMP payload of %d bytes, possible tunnelling", len(ev.Payload))))
	}

	if ev.TTL != nil && *ev.TTL <= c.thresholds.LowTTL {
		out = append(out, c.builtin(DetectorLowTTL,
			fmt.Sprintf("Abnormally low TTL %d", *ev.TTL)))
	}

	if ev.Size > c.thresholds.OversizedFrameBytes {
		out = append(out, c.builtin(DetectorOversizedFrame,
			fmt.Sprintf("Frame of %d bytes exceeds %d", ev.Size, c.thresholds.OversizedFrameBytes)))
	}

	return out
}

func (c *Classifier) builtin(id, description string) candidate {
	info := detectorInfo(id)
	return candidate{id: id, kind: info.Type, description: description, severity: info.Severity}
}
