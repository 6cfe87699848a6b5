package rules

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMetrics struct {
	count float64
}

func (m *mockMetrics) SetSignatureOverrides(count float64) {
	m.count = count
}

func TestOverrideManager_AddRemove(t *testing.T) {
	metrics := &mockMetrics{}
	om := NewOverrideManager(slog.Default(), metrics)

	disabled := false
	o, err := om.Add("tcp-xmas", &disabled, nil, "lab scanner")
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, 1.0, metrics.count)

	got, err := om.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o, got)

	require.NoError(t, om.Remove(o.ID))
	assert.Equal(t, 0.0, metrics.count)

	err = om.Remove(o.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = om.Get(o.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestOverrideManager_AddValidation(t *testing.T) {
	om := NewOverrideManager(slog.Default(), nil)

	_, err := om.Add("", nil, nil, "")
	assert.Error(t, err)

	bogus := model.Severity("critical")
	_, err = om.Add("x", nil, &bogus, "")
	assert.Error(t, err)

	_, err = om.Add("x", nil, nil, "")
	assert.Error(t, err)
}

func TestOverrideManager_NewestWins(t *testing.T) {
	om := NewOverrideManager(slog.Default(), nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	om.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	low, high := model.SeverityLow, model.SeverityHigh
	off, on := false, true

	_, err := om.Add("sqli-tautology", &off, &low, "")
	require.NoError(t, err)
	_, err = om.Add("sqli-tautology", &on, nil, "")
	require.NoError(t, err)
	_, err = om.Add("other", nil, &high, "")
	require.NoError(t, err)

	enabled, sev := om.Apply("sqli-tautology", model.SeverityHigh)
	assert.True(t, enabled)
	assert.Equal(t, model.SeverityLow, sev)

	enabled, sev = om.Apply("untouched", model.SeverityMedium)
	assert.True(t, enabled)
	assert.Equal(t, model.SeverityMedium, sev)

	list := om.List()
	require.Len(t, list, 3)
	assert.Equal(t, "other", list[2].SignatureID)
}

func TestOverrideManager_NilApply(t *testing.T) {
	var om *OverrideManager
	enabled, sev := om.Apply("x", model.SeverityHigh)
	assert.True(t, enabled)
	assert.Equal(t, model.SeverityHigh, sev)
}
