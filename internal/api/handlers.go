package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/secureflow/secureflow-ids/internal/alerts"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// POST /api/v1/events  body: one network event
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		badRequest(w, "invalid_body", "failed to read request body")
		return
	}

	decision, err := s.deps.Events.Process(r.Context(), body, "http")
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"decision": decision}
	if decision.BlockErr != nil {
		addWarning(resp, decision.BlockErr)
	}
	writeJSON(w, resp, http.StatusOK)
}

// GET /api/v1/blocks
func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.deps.Blocks.List()
	writeJSON(w, map[string]any{
		"blocks":    blocks,
		"count":     len(blocks),
		"timestamp": time.Now().UTC(),
	}, http.StatusOK)
}

// GET /api/v1/blocks/{address}
func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")
	entry, ok := s.deps.Blocks.Get(address)
	if !ok {
		writeJSON(w, ErrorResponse{Error: "address " + address + " is not blocked", Code: "not_found"}, http.StatusNotFound)
		return
	}
	writeJSON(w, entry, http.StatusOK)
}

// POST /api/v1/blocks  body: {"address":"...","reason":"...","severity":"high"}
func (s *Server) postBlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address  string `json:"address"`
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		badRequest(w, "invalid_body", "failed to parse request body")
		return
	}
	if body.Address == "" {
		writeJSON(w, ErrorResponse{Error: "address is required", Code: "invalid_address", Field: "address"}, http.StatusBadRequest)
		return
	}

	severity := model.SeverityHigh
	if body.Severity != "" {
		parsed, ok := model.ParseSeverity(body.Severity)
		if !ok {
			writeJSON(w, ErrorResponse{Error: "severity must be low, medium or high", Code: "invalid_severity", Field: "severity"}, http.StatusBadRequest)
			return
		}
		severity = parsed
	}

	entry, err := s.deps.Responder.BlockManually(r.Context(), body.Address, body.Reason, severity)
	if err != nil && !(degraded(err) && entry.Address != "") {
		writeError(w, err)
		return
	}

	resp := map[string]any{"block": entry}
	addWarning(resp, err)
	writeJSON(w, resp, http.StatusCreated)
}

// DELETE /api/v1/blocks/{address}
func (s *Server) deleteBlock(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")
	removed, err := s.deps.Responder.Unblock(r.Context(), address)
	if err != nil && !(degraded(err) && removed) {
		writeError(w, err)
		return
	}

	resp := map[string]any{"address": address, "removed": removed}
	addWarning(resp, err)
	writeJSON(w, resp, http.StatusOK)
}

// GET /api/v1/alerts?search=&status=&min_severity=&limit=
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := alerts.Query{Search: q.Get("search")}

	if v := q.Get("status"); v != "" {
		status := model.Status(v)
		if !status.Valid() {
			writeJSON(w, ErrorResponse{Error: "status must be new, investigating or resolved", Code: "invalid_query", Field: "status"}, http.StatusBadRequest)
			return
		}
		query.Status = status
	}
	if v := q.Get("min_severity"); v != "" {
		severity, ok := model.ParseSeverity(v)
		if !ok {
			writeJSON(w, ErrorResponse{Error: "min_severity must be low, medium or high", Code: "invalid_query", Field: "min_severity"}, http.StatusBadRequest)
			return
		}
		query.MinSeverity = severity
	}
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	query.Limit = limit

	list := s.deps.Alerts.List(query)
	writeJSON(w, map[string]any{
		"alerts": list,
		"count":  len(list),
		"stats":  s.deps.Alerts.Stats(),
	}, http.StatusOK)
}

// GET /api/v1/alerts/{id}
func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, alert, http.StatusOK)
}

// POST /api/v1/alerts/{id}/investigate
func (s *Server) investigateAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Responder.Investigate(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, alert, http.StatusOK)
}

// POST /api/v1/alerts/{id}/resolve
func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Responder.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, alert, http.StatusOK)
}

// pathParam returns the unescaped URL parameter. IPv6 addresses arrive percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

var errInvalidQuery = errors.New("invalid query parameter")

// intParam parses a non-negative integer query parameter
func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &model.ValidationError{Field: name, Message: "must be a non-negative integer", Err: errInvalidQuery}
	}
	return n, nil
}
