// Package metrics exposes server and emulation counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/usb"
)

// Submit outcomes.
const (
	OutcomeReply      = "reply"
	OutcomeStall      = "stall"
	OutcomeSuppressed = "suppressed"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	connections   prometheus.Counter
	imports       *prometheus.CounterVec
	submits       *prometheus.CounterVec
	unlinks       prometheus.Counter
	matchDistance prometheus.Histogram
	corpusPairs   prometheus.Gauge
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbreplay_connections_total",
			Help: "The number of accepted USB/IP connections.",
		}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbreplay_imports_total",
			Help: "The number of OP_REQ_IMPORT requests by result.",
		}, []string{"result"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbreplay_submits_total",
			Help: "The number of USBIP_CMD_SUBMIT requests by outcome.",
		}, []string{"outcome"}),
		unlinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbreplay_unlinks_total",
			Help: "The number of USBIP_CMD_UNLINK requests.",
		}),
		matchDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usbreplay_match_distance",
			Help:    "Distance of the best recorded match for emulated requests.",
			Buckets: []float64{0, 0.5, 1, 2, 4, 8},
		}),
		corpusPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbreplay_corpus_pairs",
			Help: "The number of recorded transaction pairs available for replay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.imports, m.submits, m.unlinks, m.matchDistance, m.corpusPairs)
	}
	return m
}

// Handler serves /metrics from g and a /health probe.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func (m *Metrics) Connection() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) Import(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "unknown_device"
	}
	m.imports.WithLabelValues(result).Inc()
}

func (m *Metrics) Submit(outcome string) {
	if m != nil {
		m.submits.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Unlink() {
	if m != nil {
		m.unlinks.Inc()
	}
}

func (m *Metrics) SetCorpusPairs(n int) {
	if m != nil {
		m.corpusPairs.Set(float64(n))
	}
}

// BeforeDispatch implements device.Observer.
func (m *Metrics) BeforeDispatch(context.Context, usb.Transfer, usb.Setup) {}

// Recommended implements device.Observer.
func (m *Metrics) Recommended(_ context.Context, _ usb.Transfer, matches []analysis.Match) {
	if m != nil && len(matches) > 0 {
		m.matchDistance.Observe(matches[0].Distance)
	}
}
