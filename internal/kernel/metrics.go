package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the kernel's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	computeSeconds *prometheus.HistogramVec
	loads          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		computeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryptoterm_kernel_compute_seconds",
			Help:    "Wall-clock duration of order book metric computations.",
			Buckets: prometheus.ExponentialBuckets(1e-7, 4, 10),
		}, []string{"backend"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoterm_kernel_loads_total",
			Help: "Kernel backend resolutions by resulting state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.computeSeconds, m.loads)
	}
	return m
}

func (m *Metrics) observeCompute(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.computeSeconds.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) observeLoad(state State) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(state.String()).Inc()
}
