package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics may be nil; every method is a no-op then.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec   // kind, status
	LatencyMS     *prometheus.HistogramVec // kind
	Leased        prometheus.Gauge
	LaunchesTotal *prometheus.CounterVec // result=success|fail
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_requests_total",
				Help: "Total broker requests by kind and status",
			},
			[]string{"kind", "status"},
		),
		LatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_request_latency_ms",
				Help:    "Latency of broker requests (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"kind"},
		),
		Leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_leased_slots",
			Help: "Number of simulator slots currently leased",
		}),
		LaunchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_simulator_launches_total",
				Help: "Simulator process launches by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.LatencyMS, m.Leased, m.LaunchesTotal)
	}
	return m
}

func (m *Metrics) observe(kind Kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(kind), status).Inc()
	m.LatencyMS.WithLabelValues(string(kind)).Observe(float64(took.Microseconds()) / 1000)
}

func (m *Metrics) setLeased(n int) {
	if m == nil {
		return
	}
	m.Leased.Set(float64(n))
}

func (m *Metrics) launched(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "fail"
	}
	m.LaunchesTotal.WithLabelValues(result).Inc()
}
