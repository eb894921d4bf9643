package runtime

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives engine and registry measurements.
type MetricsRecorder interface {
	// Observe records one engine operation outcome.
	Observe(op string, success bool, duration time.Duration)
	// ArenaBytes records the current allocation size of one arena region.
	ArenaBytes(stream int, purpose ArenaPurpose, bytes int)
	// ActiveSessions records the number of attached sessions.
	ActiveSessions(n int)
}

type noopMetrics struct{}

func (noopMetrics) Observe(string, bool, time.Duration) {}
func (noopMetrics) ArenaBytes(int, ArenaPurpose, int) {}
func (noopMetrics) ActiveSessions(int) {}

func orNoopMetrics(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

// PrometheusMetrics exports measurements as Prometheus collectors.
type PrometheusMetrics struct {
	opDuration  *prometheus.HistogramVec
	opResults   *prometheus.CounterVec
	arenaBytes  *prometheus.GaugeVec
	arenaGrowth *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// NewPrometheusMetrics builds the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of engine operations including stream synchronisation.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"op"}),
		opResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"op", "status"}),
		arenaBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ensemble",
			Name:      "arena_bytes",
			Help:      "Bytes held by each arena region.",
		}, []string{"stream", "purpose"}),
		arenaGrowth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "arena_grow_total",
			Help:      "Arena region reallocations.",
		}, []string{"stream", "purpose"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ensemble",
			Name:      "active_sessions",
			Help:      "Simulation sessions attached to the registry.",
		}),
	}
	for _, c := range []prometheus.Collector{m.opDuration, m.opResults, m.arenaBytes, m.arenaGrowth, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) Observe(op string, success bool, d time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
	m.opResults.WithLabelValues(op, status).Inc()
}

func (m *PrometheusMetrics) ArenaBytes(stream int, p ArenaPurpose, bytes int) {
	s := strconv.Itoa(stream)
	m.arenaBytes.WithLabelValues(s, p.String()).Set(float64(bytes))
	if bytes > 0 {
		m.arenaGrowth.WithLabelValues(s, p.String()).Inc()
	}
}

func (m *PrometheusMetrics) ActiveSessions(n int) {
	m.sessions.Set(float64(n))
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)
