package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/secureflow/secureflow-ids/internal/alerts"
	"github.com/secureflow/secureflow-ids/internal/allowlist"
	"github.com/secureflow/secureflow-ids/internal/feed"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/settings"
)

// Outcome is the terminal state of the per-event decision
type Outcome string

const (
	// OutcomeClean means the classifier found nothing
	OutcomeClean Outcome = "clean"
	// OutcomeExempt means the source is allow-listed; the finding is emitted but never blocked
	OutcomeExempt Outcome = "exempt"
	// OutcomeAutoBlocked means the source was blocked automatically
	OutcomeAutoBlocked Outcome = "auto_blocked"
	// OutcomeFlaggedOnly means the finding was emitted without a block
	OutcomeFlaggedOnly Outcome = "flagged_only"
)

const defaultManualReason = "Manually blocked by operator"

// Decision is the result of handling one event
type Decision struct {
	EventID         string            `json:"event_id"`
	Outcome         Outcome           `json:"outcome"`
	Finding         *model.Finding    `json:"finding,omitempty"`
	Block           *model.BlockEntry `json:"block,omitempty"`
	Sensitivity     float64           `json:"sensitivity"`
	SettingsVersion int64             `json:"settings_version"`
	// BlockErr is set when the block store failed. The finding was still emitted.
	BlockErr error `json:"-"`
}

// Classifier maps an event to at most one finding
type Classifier interface {
	Classify(ev *model.NetworkEvent, sensitivity float64) (*model.Finding, error)
}

// BlockList is the block-list store used by the coordinator
type BlockList interface {
	Block(ctx context.Context, address, reason string, severity model.Severity, autoBlocked bool) (model.BlockEntry, error)
	Unblock(ctx context.Context, address string) (bool, error)
	UnblockAuto(ctx context.Context, address string) (bool, error)
	List() []model.BlockEntry
	Len() int
}

// SettingsStore is the settings store used by the coordinator
type SettingsStore interface {
	Snapshot() *settings.Snapshot
	Get() model.Settings
	Update(ctx context.Context, expected *int64, apply func(model.Settings) model.Settings) (model.Settings, error)
}

// AlertStore keeps findings for operator triage
type AlertStore interface {
	Add(f model.Finding) (alerts.Alert, bool)
	Transition(id string, next model.Status) (alerts.Alert, bool, error)
}

// Feed receives every emitted finding and state change in order
type Feed interface {
	AppendFinding(f model.Finding) feed.Record
	AppendFindingStatus(f model.Finding) feed.Record
	AppendBlock(entry model.BlockEntry) feed.Record
	AppendUnblock(address string) feed.Record
	AppendSettings(s model.Settings) feed.Record
}

// TrafficObserver records every decided event for the traffic views
type TrafficObserver interface {
	Record(ev *model.NetworkEvent, severity model.Severity, flagged bool)
}

// MetricsUpdater interface for updating metrics
type MetricsUpdater interface {
	IncDecisions(outcome string)
	IncFindings(severity string)
	IncFindingsDeduplicated()
	IncBlocks(provenance string)
	IncUnblocks()
	IncStoreErrors(store string)
	ObserveDecisionDuration(seconds float64)
	SetBlockedAddresses(n float64)
	SetSettings(sensitivity float64, autoBlock bool)
}

// Deps are the collaborators of a Coordinator. Traffic and Metrics may be nil.
type Deps struct {
	Classifier Classifier
	Blocks     BlockList
	Settings   SettingsStore
	Alerts     AlertStore
	Feed       Feed
	Traffic    TrafficObserver
	Metrics    MetricsUpdater
	Logger     *slog.Logger
}

// Coordinator runs the per-event decision and the operator commands
type Coordinator struct {
	classifier Classifier
	blocks     BlockList
	settings   SettingsStore
	alerts     AlertStore
	feed       Feed
	traffic    TrafficObserver
	metrics    MetricsUpdater
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a response coordinator
func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Classifier == nil || deps.Blocks == nil || deps.Settings == nil || deps.Alerts == nil || deps.Feed == nil {
		return nil, fmt.Errorf("classifier, blocks, settings, alerts and feed are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		classifier: deps.Classifier,
		blocks:     deps.Blocks,
		settings:   deps.Settings,
		alerts:     deps.Alerts,
		feed:       deps.Feed,
		traffic:    deps.Traffic,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}

	if c.metrics != nil {
		cur := c.settings.Get()
		c.metrics.SetSettings(cur.Sensitivity, cur.AutoBlock)
		c.metrics.SetBlockedAddresses(float64(c.blocks.Len()))
	}

	return c, nil
}

// HandleEvent classifies ev and applies the response policy.
//
// One settings snapshot is read up front and used for sensitivity, auto-block
// and the allow-list. The allow-list is checked again against the current
// settings around the block itself, so a save that exempts the source while the
// event is in flight never leaves an automatic block behind. A finding is
// appended to the feed before any block it causes. A failing block store does
// not fail the decision; the error is carried in Decision.BlockErr.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *model.NetworkEvent) (*Decision, error) {
	start := c.now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveDecisionDuration(c.now().Sub(start).Seconds())
		}
	}()

	snap := c.settings.Snapshot()

	finding, err := c.classifier.Classify(ev, snap.Settings.Sensitivity)
	if err != nil {
		return nil, fmt.Errorf("classify event: %w", err)
	}

	decision := &Decision{
		EventID:         ev.ID,
		Sensitivity:     snap.Settings.Sensitivity,
		SettingsVersion: snap.Settings.Version,
	}

	if finding == nil {
		decision.Outcome = OutcomeClean
		c.observe(ev, model.SeverityLow, false, decision.Outcome)
		return decision, nil
	}

	alert, created := c.alerts.Add(*finding)
	finding.ID = alert.ID
	// a repeat folded into an existing alert carries that alert's status
	finding.Status = alert.Status
	decision.Finding = finding
	if c.metrics != nil {
		c.metrics.IncFindings(string(finding.Severity))
		if !created {
			c.metrics.IncFindingsDeduplicated()
		}
	}

	c.feed.AppendFinding(*finding)

	switch {
	case snap.Guard.IsExempt(ev.SourceIP):
		decision.Outcome = OutcomeExempt
		c.logger.Info("Finding for allow-listed source, not blocking",
			"finding_id", finding.ID,
			"source_ip", ev.SourceIP,
			"severity", finding.Severity,
			"type", finding.Type)

	case snap.Settings.AutoBlock && finding.Severity.AtLeast(model.SeverityMedium):
		c.autoBlock(ctx, ev, finding, decision)

	default:
		decision.Outcome = OutcomeFlaggedOnly
	}

	c.observe(ev, finding.Severity, true, decision.Outcome)

	c.logger.Debug("Event decided",
		"event_id", ev.ID,
		"finding_id", finding.ID,
		"source_ip", ev.SourceIP,
		"outcome", decision.Outcome,
		"severity", finding.Severity)

	return decision, nil
}

func (c *Coordinator) observe(ev *model.NetworkEvent, severity model.Severity, flagged bool, outcome Outcome) {
	if c.traffic != nil {
		c.traffic.Record(ev, severity, flagged)
	}
	if c.metrics != nil {
		c.metrics.IncDecisions(string(outcome))
	}
}

// autoBlock blocks the source of finding unless the current settings exempt it
func (c *Coordinator) autoBlock(ctx context.Context, ev *model.NetworkEvent, finding *model.Finding, decision *Decision) {
	if c.settings.Snapshot().Guard.IsExempt(ev.SourceIP) {
		decision.Outcome = OutcomeExempt
		c.logger.Info("Source allow-listed since the decision started, not blocking",
			"finding_id", finding.ID,
			"source_ip", ev.SourceIP)
		return
	}

	decision.Outcome = OutcomeFlaggedOnly
	entry, err := c.blocks.Block(ctx, ev.SourceIP, finding.Description, finding.Severity, true)
	if err != nil {
		decision.BlockErr = err
		c.storeError("blocklist", err)
		c.logger.Error("Failed to auto-block source",
			"finding_id", finding.ID,
			"source_ip", ev.SourceIP,
			"error", err)
	}
	if entry.Address == "" {
		return
	}

	decision.Outcome = OutcomeAutoBlocked
	decision.Block = &entry
	c.feed.AppendBlock(entry)
	if c.metrics != nil {
		c.metrics.IncBlocks(entry.Provenance())
		c.metrics.SetBlockedAddresses(float64(c.blocks.Len()))
	}

	// a save that exempted the source may have swept the block list before this
	// insert; saves install their snapshot before sweeping
	if entry.AutoBlocked && c.settings.Snapshot().Guard.IsExempt(entry.Address) {
		if c.releaseAuto(ctx, entry.Address) {
			decision.Outcome = OutcomeExempt
			decision.Block = nil
		}
	}
}

// releaseAuto removes an automatic block of an allow-listed address
func (c *Coordinator) releaseAuto(ctx context.Context, address string) bool {
	removed, err := c.blocks.UnblockAuto(ctx, address)
	if err != nil {
		c.storeError("blocklist", err)
		c.logger.Error("Failed to persist release of allow-listed address", "address", address, "error", err)
	}
	if !removed {
		return false
	}

	c.feed.AppendUnblock(address)
	if c.metrics != nil {
		c.metrics.IncUnblocks()
		c.metrics.SetBlockedAddresses(float64(c.blocks.Len()))
	}
	c.logger.Info("Automatic block released, address is allow-listed", "address", address)
	return true
}

// releaseExempt removes every automatic block the current allow-list exempts.
// Manual blocks stay.
func (c *Coordinator) releaseExempt(ctx context.Context) int {
	guard := c.settings.Snapshot().Guard
	released := 0
	for _, entry := range c.blocks.List() {
		if entry.AutoBlocked && guard.IsExempt(entry.Address) && c.releaseAuto(ctx, entry.Address) {
			released++
		}
	}
	return released
}

// BlockManually blocks address on operator request. The allow-list is not
// consulted. An empty or unknown severity defaults to high.
func (c *Coordinator) BlockManually(ctx context.Context, address, reason string, severity model.Severity) (model.BlockEntry, error) {
	if !severity.Valid() {
		severity = model.SeverityHigh
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultManualReason
	}

	entry, err := c.blocks.Block(ctx, address, reason, severity, false)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAddress) {
			return model.BlockEntry{}, err
		}
		c.storeError("blocklist", err)
	}
	if entry.Address == "" {
		return entry, err
	}

	c.feed.AppendBlock(entry)
	if c.metrics != nil {
		c.metrics.IncBlocks(entry.Provenance())
		c.metrics.SetBlockedAddresses(float64(c.blocks.Len()))
	}
	c.logger.Info("Manual block applied", "address", entry.Address, "severity", entry.Severity, "reason", reason)

	return entry, err
}

// Unblock removes address from the block list. It reports false without error
// when the address was not blocked.
func (c *Coordinator) Unblock(ctx context.Context, address string) (bool, error) {
	removed, err := c.blocks.Unblock(ctx, address)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAddress) {
			return false, err
		}
		c.storeError("blocklist", err)
	}
	if !removed {
		return false, err
	}

	canonical, cerr := allowlist.CanonicalAddress(address)
	if cerr != nil {
		canonical = strings.TrimSpace(address)
	}
	c.feed.AppendUnblock(canonical)
	if c.metrics != nil {
		c.metrics.IncUnblocks()
		c.metrics.SetBlockedAddresses(float64(c.blocks.Len()))
	}
	c.logger.Info("Address unblocked", "address", canonical)

	return true, err
}

// SaveSettings validates and replaces the settings. A rejected value leaves the
// previous settings in effect and returns an error wrapping model.ErrInvalidSettings.
func (c *Coordinator) SaveSettings(ctx context.Context, in model.Settings) (model.Settings, error) {
	return c.UpdateSettings(ctx, nil, func(model.Settings) model.Settings { return in })
}

// UpdateSettings applies a change to the current settings atomically. With
// expected set, the change is refused with model.ErrVersionConflict unless
// expected is the current version. Once applied, automatic blocks of addresses
// the new allow-list exempts are released.
func (c *Coordinator) UpdateSettings(ctx context.Context, expected *int64, apply func(model.Settings) model.Settings) (model.Settings, error) {
	saved, err := c.settings.Update(ctx, expected, apply)
	if err != nil {
		if errors.Is(err, model.ErrInvalidSettings) || errors.Is(err, model.ErrVersionConflict) {
			return saved, err
		}
		c.storeError("settings", err)
	}

	c.feed.AppendSettings(saved)
	if c.metrics != nil {
		c.metrics.SetSettings(saved.Sensitivity, saved.AutoBlock)
	}
	if n := c.releaseExempt(ctx); n > 0 {
		c.logger.Info("Released automatic blocks of allow-listed addresses", "count", n, "settings_version", saved.Version)
	}

	return saved, err
}

// Settings returns a copy of the current settings
func (c *Coordinator) Settings() model.Settings {
	return c.settings.Get()
}

// Investigate moves an alert to investigating
func (c *Coordinator) Investigate(id string) (alerts.Alert, error) {
	return c.transition(id, model.StatusInvestigating)
}

// Resolve moves an alert to resolved
func (c *Coordinator) Resolve(id string) (alerts.Alert, error) {
	return c.transition(id, model.StatusResolved)
}

func (c *Coordinator) transition(id string, next model.Status) (alerts.Alert, error) {
	alert, changed, err := c.alerts.Transition(id, next)
	if err != nil {
		return alert, err
	}
	if changed {
		c.feed.AppendFindingStatus(alert.Finding)
		c.logger.Info("Alert status changed", "finding_id", id, "status", next)
	}
	return alert, nil
}

func (c *Coordinator) storeError(store string, err error) {
	if c.metrics != nil && errors.Is(err, model.ErrStoreUnavailable) {
		c.metrics.IncStoreErrors(store)
	}
}
