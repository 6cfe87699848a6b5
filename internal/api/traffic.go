package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/rules"
	"github.com/secureflow/secureflow-ids/internal/traffic"
)

const defaultSeriesSeconds = 60

func (s *Server) requireTraffic(w http.ResponseWriter) bool {
	if s.deps.Traffic == nil {
		writeJSON(w, ErrorResponse{Error: "traffic recorder not configured", Code: "unavailable"}, http.StatusServiceUnavailable)
		return false
	}
	return true
}

// GET /api/v1/traffic?seconds=N
func (s *Server) getTraffic(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraffic(w) {
		return
	}
	seconds, err := intParam(r.URL.Query(), "seconds", defaultSeriesSeconds)
	if err != nil {
		writeError(w, err)
		return
	}

	points := s.deps.Traffic.Series(seconds)
	writeJSON(w, map[string]any{"points": points, "count": len(points)}, http.StatusOK)
}

func packetQuery(q url.Values) (traffic.PacketQuery, error) {
	query := traffic.PacketQuery{Search: q.Get("search")}
	if v := q.Get("protocol"); v != "" {
		proto, ok := model.ParseProtocol(v)
		if !ok {
			return query, &model.ValidationError{Field: "protocol", Message: "must be TCP, UDP or ICMP", Err: errInvalidQuery}
		}
		query.Protocol = proto
	}
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		return query, err
	}
	query.Limit = limit
	return query, nil
}

// GET /api/v1/packets?search=&protocol=&limit=
func (s *Server) listPackets(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraffic(w) {
		return
	}
	query, err := packetQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	packets := s.deps.Traffic.Packets(query)
	if packets == nil {
		packets = []traffic.Packet{}
	}
	writeJSON(w, map[string]any{"packets": packets, "count": len(packets)}, http.StatusOK)
}

// GET /api/v1/packets/export?compression=gzip|zstd|none
func (s *Server) exportPackets(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraffic(w) {
		return
	}
	query, err := packetQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	name := "packets-" + time.Now().UTC().Format("20060102T150405Z") + ".ndjson"
	var out io.WriteCloser
	switch compression := r.URL.Query().Get("compression"); compression {
	case "", "gzip":
		w.Header().Set("Content-Type", "application/gzip")
		name += ".gz"
		out = gzip.NewWriter(w)
	case "zstd":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/zstd")
		name += ".zst"
		out = enc
	case "none":
		w.Header().Set("Content-Type", "application/x-ndjson")
		out = nopCloser{w}
	default:
		writeJSON(w, ErrorResponse{Error: "compression must be gzip, zstd or none", Code: "invalid_query", Field: "compression"}, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)

	n, err := s.deps.Traffic.Export(out, query)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Warn("Packet export failed", "error", err, "written", n)
		return
	}
	s.logger.Info("Packets exported", "count", n, "file", name)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// GET /api/v1/signatures
func (s *Server) listSignatures(w http.ResponseWriter, r *http.Request) {
	var signatures []rules.Signature
	var version int64
	if s.deps.Signatures != nil {
		if set := s.deps.Signatures.Snapshot(); set != nil {
			signatures = set.List()
			version = set.Version
		}
	}
	if signatures == nil {
		signatures = []rules.Signature{}
	}
	var detectors []rules.DetectorInfo
	if s.deps.Detectors != nil {
		detectors = s.deps.Detectors.Detectors()
	}

	writeJSON(w, map[string]any{
		"signatures": signatures,
		"detectors":  detectors,
		"version":    version,
		"count":      len(signatures),
	}, http.StatusOK)
}

func (s *Server) requireOverrides(w http.ResponseWriter) bool {
	if s.deps.Overrides == nil {
		writeJSON(w, ErrorResponse{Error: "signature overrides not configured", Code: "unavailable"}, http.StatusServiceUnavailable)
		return false
	}
	return true
}

// GET /api/v1/signatures/overrides
func (s *Server) listOverrides(w http.ResponseWriter, r *http.Request) {
	if !s.requireOverrides(w) {
		return
	}
	overrides := s.deps.Overrides.List()
	writeJSON(w, map[string]any{"overrides": overrides, "count": len(overrides)}, http.StatusOK)
}

// POST /api/v1/signatures/overrides  body: {"signature_id":"...","enabled":false,"severity":"low"}
func (s *Server) postOverride(w http.ResponseWriter, r *http.Request) {
	if !s.requireOverrides(w) {
		return
	}
	var body struct {
		SignatureID string  `json:"signature_id"`
		Enabled     *bool   `json:"enabled,omitempty"`
		Severity    *string `json:"severity,omitempty"`
		Description string  `json:"description,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		badRequest(w, "invalid_body", "failed to parse request body")
		return
	}

	var severity *model.Severity
	if body.Severity != nil {
		sev, _ := model.ParseSeverity(*body.Severity)
		severity = &sev
	}

	override, err := s.deps.Overrides.Add(body.SignatureID, body.Enabled, severity, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, override, http.StatusCreated)
}

// GET /api/v1/signatures/overrides/{id}
func (s *Server) getOverride(w http.ResponseWriter, r *http.Request) {
	if !s.requireOverrides(w) {
		return
	}
	override, err := s.deps.Overrides.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, override, http.StatusOK)
}

// DELETE /api/v1/signatures/overrides/{id}
func (s *Server) deleteOverride(w http.ResponseWriter, r *http.Request) {
	if !s.requireOverrides(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Overrides.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"id": id, "removed": true}, http.StatusOK)
}
