package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/secureflow/secureflow-ids/internal/alerts"
	"github.com/secureflow/secureflow-ids/internal/feed"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/respond"
	"github.com/secureflow/secureflow-ids/internal/rules"
	"github.com/secureflow/secureflow-ids/internal/traffic"
)

const maxBodySize = 1 << 20

// EventProcessor decides raw events synchronously
type EventProcessor interface {
	Process(ctx context.Context, data []byte, source string) (*respond.Decision, error)
}

// Responder executes operator commands
type Responder interface {
	BlockManually(ctx context.Context, address, reason string, severity model.Severity) (model.BlockEntry, error)
	Unblock(ctx context.Context, address string) (bool, error)
	UpdateSettings(ctx context.Context, expected *int64, apply func(model.Settings) model.Settings) (model.Settings, error)
	Settings() model.Settings
	Investigate(id string) (alerts.Alert, error)
	Resolve(id string) (alerts.Alert, error)
}

// BlockReader lists the block list
type BlockReader interface {
	List() []model.BlockEntry
	Get(address string) (model.BlockEntry, bool)
}

// AlertReader queries the alert store
type AlertReader interface {
	Get(id string) (alerts.Alert, error)
	List(q alerts.Query) []alerts.Alert
	Stats() alerts.Stats
}

// FeedReader reads the alert/block feed
type FeedReader interface {
	LastSeq() uint64
	Since(since uint64, limit int) ([]feed.Record, bool)
	Subscribe(since uint64) *feed.Cursor
}

// TrafficReader queries the traffic recorder
type TrafficReader interface {
	Series(n int) []traffic.Point
	Packets(q traffic.PacketQuery) []traffic.Packet
	Export(w io.Writer, q traffic.PacketQuery) (int, error)
}

// SignatureReader exposes the loaded signatures
type SignatureReader interface {
	Snapshot() *rules.SignatureSet
	Loaded() bool
}

// DetectorReader lists the built-in detectors
type DetectorReader interface {
	Detectors() []rules.DetectorInfo
}

// OverrideStore manages signature overrides
type OverrideStore interface {
	Add(signatureID string, enabled *bool, severity *model.Severity, description string) (rules.Override, error)
	Remove(id string) error
	Get(id string) (rules.Override, error)
	List() []rules.Override
}

// ReadinessCheck reports whether a dependency is ready to serve
type ReadinessCheck func(ctx context.Context) error

// Deps wires the server to the rest of the service
type Deps struct {
	Events     EventProcessor
	Responder  Responder
	Blocks     BlockReader
	Alerts     AlertReader
	Feed       FeedReader
	Traffic    TrafficReader
	Signatures SignatureReader
	Detectors  DetectorReader
	Overrides  OverrideStore
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Checks are consulted by /readyz, keyed by name
	Checks map[string]ReadinessCheck
	Logger *slog.Logger
}

// Server is the HTTP API of the responder
type Server struct {
	r                 *chi.Mux
	deps              Deps
	logger            *slog.Logger
	settingsValidator *settingsValidator
	heartbeat         time.Duration
}

// NewServer creates a server with all routes registered
func NewServer(deps Deps) (*Server, error) {
	if deps.Events == nil || deps.Responder == nil || deps.Blocks == nil || deps.Alerts == nil || deps.Feed == nil {
		return nil, fmt.Errorf("api: events, responder, blocks, alerts and feed are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	validator, err := newSettingsValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		r:                 chi.NewRouter(),
		deps:              deps,
		logger:            deps.Logger,
		settingsValidator: validator,
		heartbeat:         15 * time.Second,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		s.r.Handle("/metrics", s.deps.Metrics)
	}

	s.r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.postEvent)

		// Feed
		r.Get("/feed", s.getFeed)
		r.Get("/feed/stream", s.streamFeed)

		// Block list
		r.Get("/blocks", s.listBlocks)
		r.Post("/blocks", s.postBlock)
		r.Get("/blocks/{address}", s.getBlock)
		r.Delete("/blocks/{address}", s.deleteBlock)

		// Settings
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)

		// Alerts
		r.Get("/alerts", s.listAlerts)
		r.Get("/alerts/{id}", s.getAlert)
		r.Post("/alerts/{id}/investigate", s.investigateAlert)
		r.Post("/alerts/{id}/resolve", s.resolveAlert)

		// Traffic
		r.Get("/traffic", s.getTraffic)
		r.Get("/packets", s.listPackets)
		r.Get("/packets/export", s.exportPackets)

		// Signatures
		r.Get("/signatures", s.listSignatures)
		r.Get("/signatures/overrides", s.listOverrides)
		r.Post("/signatures/overrides", s.postOverride)
		r.Get("/signatures/overrides/{id}", s.getOverride)
		r.Delete("/signatures/overrides/{id}", s.deleteOverride)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleReady handles GET /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	ready := true

	if s.deps.Signatures != nil {
		if s.deps.Signatures.Loaded() {
			status["signatures"] = "ok"
		} else {
			status["signatures"] = "not loaded"
			ready = false
		}
	}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, map[string]any{"ready": ready, "checks": status}, code)
}
