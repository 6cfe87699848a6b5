package api

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/settings_request.json
var settingsSchema []byte

// settingsUpdate is a partial settings change; absent fields keep their current value.
// A version makes the change conditional on the settings still being at that version.
type settingsUpdate struct {
	Version     *int64    `json:"version,omitempty"`
	Sensitivity *float64  `json:"sensitivity,omitempty"`
	AutoBlock   *bool     `json:"auto_block,omitempty"`
	AllowedIPs  *[]string `json:"allowed_ips,omitempty"`
}

// apply overlays the fields present in the update onto cur
func (u settingsUpdate) apply(cur model.Settings) model.Settings {
	if u.Sensitivity != nil {
		cur.Sensitivity = *u.Sensitivity
	}
	if u.AutoBlock != nil {
		cur.AutoBlock = *u.AutoBlock
	}
	if u.AllowedIPs != nil {
		cur.AllowedIPs = *u.AllowedIPs
	}
	return cur
}

type settingsValidator struct {
	schema *gojsonschema.Schema
}

func newSettingsValidator() (*settingsValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(settingsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load settings schema: %w", err)
	}
	return &settingsValidator{schema: schema}, nil
}

// validate checks body against the request schema. Violations wrap model.ErrInvalidSettings.
func (v *settingsValidator) validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &model.ValidationError{Field: "body", Message: err.Error(), Err: model.ErrInvalidSettings}
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return &model.ValidationError{
		Field:   result.Errors()[0].Field(),
		Message: strings.Join(msgs, "; "),
		Err:     model.ErrInvalidSettings,
	}
}

// GET /api/v1/settings
func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Responder.Settings()
	writeJSON(w, map[string]any{
		"settings":          settings,
		"sensitivity_label": model.SensitivityLabel(settings.Sensitivity),
	}, http.StatusOK)
}

// PUT /api/v1/settings  body: {"version":42,"sensitivity":7,"auto_block":true,"allowed_ips":["10.0.0.1"]}
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		badRequest(w, "invalid_body", "failed to read request body")
		return
	}
	if err := s.settingsValidator.validate(body); err != nil {
		writeError(w, err)
		return
	}

	var update settingsUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		badRequest(w, "invalid_body", "failed to parse request body")
		return
	}

	saved, err := s.deps.Responder.UpdateSettings(r.Context(), update.Version, update.apply)
	if err != nil && !degraded(err) {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"settings":          saved,
		"sensitivity_label": model.SensitivityLabel(saved.Sensitivity),
	}
	addWarning(resp, err)
	writeJSON(w, resp, http.StatusOK)
}
