package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// Override is an operator adjustment of a loaded signature
type Override struct {
	ID          string          `json:"id"`
	SignatureID string          `json:"signature_id"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Severity    *model.Severity `json:"severity,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MetricsUpdater interface for updating metrics
type MetricsUpdater interface {
	SetSignatureOverrides(count float64)
}

// OverrideManager manages signature overrides in memory
type OverrideManager struct {
	mu        sync.RWMutex
	overrides map[string]Override
	logger    *slog.Logger
	metrics   MetricsUpdater
	now       func() time.Time
}

// NewOverrideManager creates a new override manager. metrics may be nil.
func NewOverrideManager(logger *slog.Logger, metrics MetricsUpdater) *OverrideManager {
	return &OverrideManager{
		overrides: make(map[string]Override),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Add adds a new signature override
func (om *OverrideManager) Add(signatureID string, enabled *bool, severity *model.Severity, description string) (Override, error) {
	if signatureID == "" {
		return Override{}, &ValidationError{Field: "signature_id", Message: "signature_id is required"}
	}
	if severity != nil && !severity.Valid() {
		return Override{}, &ValidationError{Field: "severity", Message: "invalid severity, must be low/medium/high"}
	}
	if enabled == nil && severity == nil {
		return Override{}, &ValidationError{Field: "override", Message: "enabled or severity must be set"}
	}

	now := om.now().UTC()
	override := Override{
		ID:          uuid.New().String(),
		SignatureID: signatureID,
		Enabled:     enabled,
		Severity:    severity,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	om.mu.Lock()
	om.overrides[override.ID] = override
	count := len(om.overrides)
	om.mu.Unlock()

	om.logger.Info("Signature override added",
		"override_id", override.ID,
		"signature_id", signatureID,
		"enabled", enabled,
		"severity", severity)

	if om.metrics != nil {
		om.metrics.SetSignatureOverrides(float64(count))
	}

	return override, nil
}

// Remove removes a signature override by ID
func (om *OverrideManager) Remove(id string) error {
	om.mu.Lock()
	if _, exists := om.overrides[id]; !exists {
		om.mu.Unlock()
		return fmt.Errorf("override %s: %w", id, model.ErrNotFound)
	}
	delete(om.overrides, id)
	count := len(om.overrides)
	om.mu.Unlock()

	om.logger.Info("Signature override removed", "override_id", id)

	if om.metrics != nil {
		om.metrics.SetSignatureOverrides(float64(count))
	}
	return nil
}

// Get retrieves a signature override by ID
func (om *OverrideManager) Get(id string) (Override, error) {
	om.mu.RLock()
	defer om.mu.RUnlock()

	override, exists := om.overrides[id]
	if !exists {
		return Override{}, fmt.Errorf("override %s: %w", id, model.ErrNotFound)
	}
	return override, nil
}

// List returns all overrides, oldest first
func (om *OverrideManager) List() []Override {
	om.mu.RLock()
	out := make([]Override, 0, len(om.overrides))
	for _, o := range om.overrides {
		out = append(out, o)
	}
	om.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Apply returns the effective enabled flag and severity of a signature.
// Overrides apply in creation order, so the newest one wins per field.
func (om *OverrideManager) Apply(signatureID string, severity model.Severity) (bool, model.Severity) {
	if om == nil {
		return true, severity
	}
	return applyOverrides(om.List(), signatureID, severity)
}

func applyOverrides(overrides []Override, signatureID string, severity model.Severity) (bool, model.Severity) {
	enabled := true
	for _, o := range overrides {
		if o.SignatureID != signatureID {
			continue
		}
		if o.Enabled != nil {
			enabled = *o.Enabled
		}
		if o.Severity != nil {
			severity = *o.Severity
		}
	}
	return enabled, severity
}
