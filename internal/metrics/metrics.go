package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the IDS service
type Metrics struct {
	EventsReceivedTotal  *prometheus.CounterVec
	EventsInvalidTotal   *prometheus.CounterVec
	EventsProcessedTotal prometheus.Counter
	EventErrorsTotal     prometheus.Counter
	DecisionsTotal       *prometheus.CounterVec
	DecisionDuration     prometheus.Histogram
	FindingsTotal        *prometheus.CounterVec
	FindingsDeduplicated prometheus.Counter
	BlocksTotal          *prometheus.CounterVec
	UnblocksTotal        prometheus.Counter
	StoreErrorsTotal     *prometheus.CounterVec
	BlockedAddresses     prometheus.Gauge
	Sensitivity          prometheus.Gauge
	AutoBlock            prometheus.Gauge
	FeedRecordsTotal     *prometheus.CounterVec
	NATSPublishErrors    prometheus.Counter
	SignaturesLoaded     prometheus.Gauge
	SignatureOverrides   prometheus.Gauge
	IngestQueueDepth     prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_events_received_total",
			Help: "Total number of events received by ingestion source",
		}, []string{"source"}),
		EventsInvalidTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_events_invalid_total",
			Help: "Total number of malformed events rejected by ingestion source",
		}, []string{"source"}),
		EventsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_events_processed_total",
			Help: "Total number of events that completed a decision",
		}),
		EventErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_event_errors_total",
			Help: "Total number of events whose decision returned an error",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_decisions_total",
			Help: "Total number of decisions by outcome",
		}, []string{"outcome"}),
		DecisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ids_decision_duration_seconds",
			Help:    "Time spent deciding a single event",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_findings_total",
			Help: "Total number of findings by severity",
		}, []string{"severity"}),
		FindingsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_findings_deduplicated_total",
			Help: "Total number of findings folded into an existing alert",
		}),
		BlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_blocks_total",
			Help: "Total number of block operations by provenance",
		}, []string{"provenance"}),
		UnblocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_unblocks_total",
			Help: "Total number of addresses removed from the block list",
		}),
		StoreErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_store_errors_total",
			Help: "Total number of persistence failures by store",
		}, []string{"store"}),
		BlockedAddresses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_blocked_addresses",
			Help: "Number of addresses currently blocked",
		}),
		Sensitivity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_sensitivity",
			Help: "Current detection sensitivity",
		}),
		AutoBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_auto_block_enabled",
			Help: "1 when automatic blocking is enabled",
		}),
		FeedRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ids_feed_records_total",
			Help: "Total number of feed records appended by kind",
		}, []string{"kind"}),
		NATSPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_nats_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		SignaturesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_signatures_loaded",
			Help: "Number of signatures currently loaded",
		}),
		SignatureOverrides: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_signature_overrides",
			Help: "Number of active signature overrides",
		}),
		IngestQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_ingest_queue_depth",
			Help: "Number of events waiting in ingestion worker queues",
		}),
	}
}

// IncEventsReceived increments the received counter for source
func (m *Metrics) IncEventsReceived(source string) {
	m.EventsReceivedTotal.WithLabelValues(source).Inc()
}

// IncEventsInvalid increments the invalid counter for source
func (m *Metrics) IncEventsInvalid(source string) {
	m.EventsInvalidTotal.WithLabelValues(source).Inc()
}

// IncEventsProcessed increments the processed counter
func (m *Metrics) IncEventsProcessed() {
	m.EventsProcessedTotal.Inc()
}

// IncEventErrors increments the decision error counter
func (m *Metrics) IncEventErrors() {
	m.EventErrorsTotal.Inc()
}

// SetQueueDepth sets the ingestion queue depth gauge
func (m *Metrics) SetQueueDepth(n float64) {
	m.IngestQueueDepth.Set(n)
}

// IncDecisions increments the decision counter for outcome
func (m *Metrics) IncDecisions(outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDecisionDuration records the duration of one decision
func (m *Metrics) ObserveDecisionDuration(seconds float64) {
	m.DecisionDuration.Observe(seconds)
}

// IncFindings increments the findings counter for severity
func (m *Metrics) IncFindings(severity string) {
	m.FindingsTotal.WithLabelValues(severity).Inc()
}

// IncFindingsDeduplicated increments the deduplicated findings counter
func (m *Metrics) IncFindingsDeduplicated() {
	m.FindingsDeduplicated.Inc()
}

// IncBlocks increments the blocks counter for provenance
func (m *Metrics) IncBlocks(provenance string) {
	m.BlocksTotal.WithLabelValues(provenance).Inc()
}

// IncUnblocks increments the unblocks counter
func (m *Metrics) IncUnblocks() {
	m.UnblocksTotal.Inc()
}

// IncStoreErrors increments the persistence failure counter for store
func (m *Metrics) IncStoreErrors(store string) {
	m.StoreErrorsTotal.WithLabelValues(store).Inc()
}

// SetBlockedAddresses sets the blocked addresses gauge
func (m *Metrics) SetBlockedAddresses(n float64) {
	m.BlockedAddresses.Set(n)
}

// SetSettings updates the settings gauges
func (m *Metrics) SetSettings(sensitivity float64, autoBlock bool) {
	m.Sensitivity.Set(sensitivity)
	if autoBlock {
		m.AutoBlock.Set(1)
	} else {
		m.AutoBlock.Set(0)
	}
}

// IncFeedRecords increments the feed records counter for kind
func (m *Metrics) IncFeedRecords(kind string) {
	m.FeedRecordsTotal.WithLabelValues(kind).Inc()
}

// IncNATSPublishErrors increments the NATS publish error counter
func (m *Metrics) IncNATSPublishErrors() {
	m.NATSPublishErrors.Inc()
}

// SetSignaturesLoaded sets the loaded signatures gauge
func (m *Metrics) SetSignaturesLoaded(n float64) {
	m.SignaturesLoaded.Set(n)
}

// SetSignatureOverrides sets the active overrides gauge
func (m *Metrics) SetSignatureOverrides(n float64) {
	m.SignatureOverrides.Set(n)
}
