package watcher

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/agenr/internal/alog"
)

// Metrics exposes the watcher's liveness data as Prometheus gauges,
// mirroring the health file. Off by default; enabled via --metrics-addr.
type Metrics struct {
	entriesStored   prometheus.Counter
	sessionsWatched prometheus.Gauge
	heartbeat       prometheus.Gauge
	srv             *http.Server
}

// NewMetrics registers the watcher gauges on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		entriesStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agenr_entries_stored_total",
			Help: "Knowledge entries stored by the watcher since start.",
		}),
		sessionsWatched: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agenr_sessions_watched",
			Help: "Session files the watcher has seen this run.",
		}),
		heartbeat: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agenr_watch_heartbeat_timestamp",
			Help: "Unix timestamp of the watcher's last heartbeat.",
		}),
	}
}

// Observe records one cycle's health snapshot.
func (m *Metrics) Observe(h Health, newEntries int) {
	if m == nil {
		return
	}
	if newEntries > 0 {
		m.entriesStored.Add(float64(newEntries))
	}
	m.sessionsWatched.Set(float64(h.SessionsWatched))
	m.heartbeat.Set(float64(h.LastHeartbeat.Unix()))
}

// Serve starts the /metrics endpoint on addr in a background goroutine.
func (m *Metrics) Serve(addr string, log *alog.Logger) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("metrics_http_start", map[string]any{"addr": addr, "path": "/metrics"})
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics_http_error", map[string]any{"error": err.Error()})
		}
	}()
}

// Close shuts the metrics endpoint down.
func (m *Metrics) Close() {
	if m != nil && m.srv != nil {
		_ = m.srv.Close()
	}
}
