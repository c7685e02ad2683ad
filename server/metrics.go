package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes supervisor and gateway instrumentation on a private
// prometheus registry. Gauges for processes and sessions are computed at
// scrape time from the live registries; counters are incremented inline.
type Metrics struct {
	registry *prometheus.Registry

	LogLines   *prometheus.CounterVec
	FramesSent *prometheus.CounterVec
	Starts     prometheus.Counter
	Stops      prometheus.Counter
}

// NewMetrics builds the collectors and registers them against reg and
// sessions for scrape-time gauges.
func NewMetrics(reg *Registry, sessions *SessionRegistry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LogLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_log_lines_total",
			Help: "Log lines captured from child processes, by kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_frames_sent_total",
			Help: "Frames enqueued to gateway sessions, by frame type.",
		}, []string{"type"}),
		Starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_process_starts_total",
			Help: "Processes that reached running.",
		}),
		Stops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_process_stops_total",
			Help: "Processes that reached a terminal state.",
		}),
	}
	m.registry.MustRegister(m.LogLines, m.FramesSent, m.Starts, m.Stops)
	m.registry.MustRegister(&statsCollector{procs: reg, sessions: sessions})
	return m
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	processesDesc = prometheus.NewDesc(
		"warden_processes",
		"Process records currently held, by status.",
		[]string{"status"}, nil,
	)
	sessionsDesc = prometheus.NewDesc(
		"warden_sessions",
		"Gateway sessions currently registered.",
		nil, nil,
	)
)

// statsCollector reads the process and session registries at scrape time.
type statsCollector struct {
	procs    *Registry
	sessions *SessionRegistry
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processesDesc
	ch <- sessionsDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.procs.Stats()
	for status, count := range stats.ByStatus {
		ch <- prometheus.MustNewConstMetric(processesDesc, prometheus.GaugeValue, float64(count), string(status))
	}
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(c.sessions.Len()))
}
