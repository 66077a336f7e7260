package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Chunk pipeline counters
	ChunksReceived  atomic.Uint64
	ChunksPersisted atomic.Uint64
	ChunksDropped   atomic.Uint64
	BytesPersisted  atomic.Uint64
	StorageErrors   atomic.Uint64

	// Remote upload counters
	UploadAttempts      atomic.Uint64
	UploadSuccesses     atomic.Uint64
	UploadFailures      atomic.Uint64
	UploadsInFlight     atomic.Int64
	PostprocessRequests atomic.Uint64
	PostprocessFailures atomic.Uint64

	// Latency tracking
	PersistLatencyMs atomic.Uint64 // Last chunk write latency in ms

	// Capture state
	RegisteredTracks atomic.Uint64
	ActivePeers      atomic.Uint64
	TotalPeers       atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = idle, 1 = active
	ActiveJobs      atomic.Uint64
	Recordings      atomic.Uint64

	// Ingest service
	IngestChunks   atomic.Uint64
	IngestBytes    atomic.Uint64
	IngestJobs     atomic.Uint64
	IngestRejected atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gaugeSource struct {
	name string
	help string
	load func() float64
}

func counter(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	sources := []gaugeSource{
		{"recorder_chunks_received_total", "Total chunks delivered by encoders", counter(&m.ChunksReceived)},
		{"recorder_chunks_persisted_total", "Total chunks appended to local storage", counter(&m.ChunksPersisted)},
		{"recorder_chunks_dropped_total", "Total chunks not stored locally", counter(&m.ChunksDropped)},
		{"recorder_bytes_persisted_total", "Total bytes appended to local storage", counter(&m.BytesPersisted)},
		{"recorder_storage_errors_total", "Total failed storage writes", counter(&m.StorageErrors)},

		{"recorder_upload_attempts_total", "Total remote upload attempts", counter(&m.UploadAttempts)},
		{"recorder_upload_successes_total", "Total chunks uploaded", counter(&m.UploadSuccesses)},
		{"recorder_upload_failures_total", "Total chunks given up after all attempts", counter(&m.UploadFailures)},
		{"recorder_uploads_in_flight", "Chunk uploads currently running", func() float64 { return float64(m.UploadsInFlight.Load()) }},
		{"recorder_postprocess_requests_total", "Total postprocessing requests scheduled", counter(&m.PostprocessRequests)},
		{"recorder_postprocess_failures_total", "Total postprocessing requests given up", counter(&m.PostprocessFailures)},

		{"recorder_persist_latency_ms", "Latency of the last chunk write in milliseconds", counter(&m.PersistLatencyMs)},

		{"recorder_registered_tracks", "Number of registered capture tracks", counter(&m.RegisteredTracks)},
		{"recorder_active_peers", "Number of connected capture peers", counter(&m.ActivePeers)},
		{"recorder_total_peers", "Total capture peers connected", counter(&m.TotalPeers)},

		{"recorder_recording_active", "Recording active (0=idle, 1=active)", counter(&m.RecordingActive)},
		{"recorder_active_jobs", "Number of running recording jobs", counter(&m.ActiveJobs)},
		{"recorder_recordings_total", "Total recordings started", counter(&m.Recordings)},

		{"ingest_chunks_total", "Total chunks accepted by the ingest service", counter(&m.IngestChunks)},
		{"ingest_bytes_total", "Total chunk bytes accepted by the ingest service", counter(&m.IngestBytes)},
		{"ingest_jobs_total", "Total postprocessing jobs accepted", counter(&m.IngestJobs)},
		{"ingest_rejected_total", "Total ingest requests rejected", counter(&m.IngestRejected)},
	}

	for _, s := range sources {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: s.name, Help: s.help},
			s.load,
		))
	}
}

// UpdatePersistLatency records the latency of one chunk write
func (m *Metrics) UpdatePersistLatency(d time.Duration) {
	m.PersistLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetRecording updates the recording state gauges
func (m *Metrics) SetRecording(active bool, jobs int) {
	if active {
		m.RecordingActive.Store(1)
	} else {
		m.RecordingActive.Store(0)
	}
	m.ActiveJobs.Store(uint64(jobs))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until the server fails
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
