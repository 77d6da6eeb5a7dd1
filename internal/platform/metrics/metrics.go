package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the session recorder.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	chunksIngestedTotal   prometheus.Counter
	chunkBytesTotal       prometheus.Counter
	ingestErrorsTotal     *prometheus.CounterVec
	playbacksTotal        prometheus.Counter
	playbackErrorsTotal   prometheus.Counter
	snapshotSavesTotal    prometheus.Counter
	snapshotFailuresTotal prometheus.Counter
	connectedClients      prometheus.Gauge
	sessions              prometheus.Gauge
}

// New creates and registers Prometheus metrics for the recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_started_total",
			Help: "Total number of sessions created through start-session",
		}),
		chunksIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_ingested_total",
			Help: "Total number of chunks persisted and acknowledged",
		}),
		chunkBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunk_bytes_total",
			Help: "Total payload bytes persisted",
		}),
		ingestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_ingest_errors_total",
			Help: "Total number of fragments answered with an error acknowledgment",
		}, []string{"kind"}),
		playbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_playbacks_total",
			Help: "Total number of playback streams started",
		}),
		playbackErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_playback_errors_total",
			Help: "Total number of playback streams that ended with an error",
		}),
		snapshotSavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_snapshot_saves_total",
			Help: "Total number of registry snapshots written",
		}),
		snapshotFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_snapshot_failures_total",
			Help: "Total number of registry snapshot writes that failed",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_connected_clients",
			Help: "Number of open ingestion connections",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_sessions",
			Help: "Number of sessions known to the registry",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStartedTotal,
		m.chunksIngestedTotal,
		m.chunkBytesTotal,
		m.ingestErrorsTotal,
		m.playbacksTotal,
		m.playbackErrorsTotal,
		m.snapshotSavesTotal,
		m.snapshotFailuresTotal,
		m.connectedClients,
		m.sessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// ObserveChunk records one persisted chunk of the given size.
func (m *Metrics) ObserveChunk(size int) {
	m.chunksIngestedTotal.Inc()
	m.chunkBytesTotal.Add(float64(size))
}

// IncIngestErrors increments the ingest error counter for kind
// ("validation", "storage", "oversize", "slow_client").
func (m *Metrics) IncIngestErrors(kind string) {
	m.ingestErrorsTotal.WithLabelValues(kind).Inc()
}

// IncPlaybacks increments the playback counter.
func (m *Metrics) IncPlaybacks() {
	m.playbacksTotal.Inc()
}

// IncPlaybackErrors increments the playback error counter.
func (m *Metrics) IncPlaybackErrors() {
	m.playbackErrorsTotal.Inc()
}

// ObserveSnapshot records the outcome of a snapshot save.
func (m *Metrics) ObserveSnapshot(err error) {
	if err != nil {
		m.snapshotFailuresTotal.Inc()
		return
	}
	m.snapshotSavesTotal.Inc()
}

// SetConnectedClients sets the connected clients gauge.
func (m *Metrics) SetConnectedClients(n int) {
	m.connectedClients.Set(float64(n))
}

// SetSessions sets the sessions gauge.
func (m *Metrics) SetSessions(n int) {
	m.sessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. session count).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
